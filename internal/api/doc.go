// Package api is the order-facing surface of the pipeline and its wire
// format.
//
// Service validates order requests with go-playground/validator, charges
// through the ledger, queues capture work and exposes status, reset, stop
// and progress-log reads. QueueService offers read-only task queries. Both
// return DTOs with camelCase JSON tags and RFC3339 millisecond timestamps so
// the CLI and any surrounding application render them without touching
// queue internals. Reports are passed through as json.RawMessage.
package api
