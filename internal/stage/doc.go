// Package stage defines the contract between the dispatcher and the pipeline
// stage executors.
//
// Each task kind has exactly one Handler, registered in a Registry that the
// dispatcher consults by kind. Handlers receive a Job describing the claimed
// task and the order, media file and segment it references, and return a
// queue.Outcome that the store applies atomically with the cascade. Errors
// should be tagged with the services markers so the dispatcher can decide
// between retry, refund and drain.
package stage
