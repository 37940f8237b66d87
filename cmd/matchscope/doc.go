// Command matchscope is the operator CLI for the analysis pipeline: it
// creates and configures orders, runs one-shot dispatch batches, inspects the
// task queue and runs the long-lived daemon.
//
// Every command opens the local SQLite database directly. Dispatch takes the
// daemon's flock, so a one-shot batch never runs beside a live daemon.
package main
