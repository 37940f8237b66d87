// Package preflight provides readiness checks for the directories, tool
// binaries and model endpoints the pipeline depends on.
//
// The daemon runs RunAll at startup and logs any failures; the CLI "deps"
// command renders the same results, plus CheckModels when asked.
package preflight
