// Package queue persists orders, media files, segments and pipeline tasks in
// SQLite and applies every state transition atomically.
//
// The Store is the only owner of shared mutable state. Claims use a
// compare-and-swap on task status so concurrent dispatchers never run the same
// task twice, and completions apply the stage result and enqueue successor
// tasks in the same transaction, following the stage graph in graph.go.
// Failures drain the order's pending work and mark the refund as due; the
// workflow package performs the ledger call.
//
// The database is treated as transient storage for in-flight orders. Schema
// changes bump the version in schema.go; users clear the database to adopt the
// new schema.
package queue
