// Package daemon coordinates the long-running matchscope process.
//
// It couples the workflow manager to a flock-based lock on the data
// directory so only one dispatcher runs per database. One-shot CLI dispatch
// takes the same lock through AcquireDispatchLock, which keeps the in-process
// heavy stage count authoritative.
//
// Keep orchestration logic here: pipeline stages live in their own packages
// while the daemon focuses on startup, shutdown, and status.
package daemon
