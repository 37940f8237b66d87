// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Inspect runs ffprobe and Summarize reduces the result to the duration,
// resolution and size recorded for a transcoded stream.
package ffprobe
