// Package workflow runs the pipeline: it claims queued tasks, gates heavy
// stages through admission control, executes stage handlers under hard
// timeouts with heartbeats, and translates every stage error into a queue
// transition.
//
// Dispatcher.DispatchOnce runs one bounded batch and is shared by the CLI
// "dispatch" command and the daemon Manager, which calls it on a cron
// schedule or poll interval. Compensator owns order failure and the single
// refund each failed order is owed.
package workflow
