// Package transcribe runs WhisperX over one segment and records the
// transcript, its mean word confidence and timestamped cues.
package transcribe
