// Package notifications delivers order milestones via ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// workflow code can publish unconditionally. Completed and failed orders can
// each be muted in config; stuck refunds always notify.
package notifications
