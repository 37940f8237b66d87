// Package services defines shared utilities consumed by the pipeline stage
// handlers and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp order IDs, task IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper. Classify translates a
//     stage failure into the handling class the dispatcher applies (retry,
//     fail terminally, wait for infrastructure, or treat as canceled).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
