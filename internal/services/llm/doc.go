// Package llm provides an OpenAI-compatible chat client (OpenRouter by
// default) for the vision and report stages.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.CompleteJSON: send system/user prompts, receive a JSON response.
// Client.CompleteVisionJSON: same, with local frames attached as data URLs.
// Client.HealthCheck: verify API key and model availability.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors, empty completions and
// network timeouts with exponential backoff. Context cancellation aborts
// retries immediately.
//
// # Errors
//
// Final errors carry services markers: rejected keys are ErrConfiguration,
// exhausted retryable failures are ErrTransient, and anything else is
// ErrExternalTool. The dispatcher classifies on these.
package llm
