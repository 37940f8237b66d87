// Package logging assembles structured slog loggers and formatting helpers used
// across matchscope services.
//
// It owns the console/JSON handlers, centralizes level and output plumbing
// (including rotated log files), and exposes context-aware helpers so stage
// code can automatically tag log lines with order IDs, task IDs, stages, and
// correlation IDs. The package also provides a no-op logger for tests and
// wiring code that cannot fail.
package logging
