// Package stageexec is the single place matchscope spawns external tools.
//
// ProcessRunner starts each command in its own process group, streams stdout
// and stderr line by line to a callback, and keeps a short output tail for
// error reporting. When the context ends the group receives SIGTERM, then
// SIGKILL after a grace period. Deadline expiry and cancellation surface as
// services.ErrTimeout and services.ErrCanceled so the dispatcher can classify
// them without inspecting tool output.
package stageexec
