// Package logs tails the daemon log file for `matchscope logs`.
//
// Tail reads with bounded memory, treats a negative offset as "last N lines"
// and supports follow mode by polling from the returned offset. OrderMatcher
// narrows output to a single order.
package logs
