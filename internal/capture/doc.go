// Package capture records a live stream with ffmpeg for at most the configured
// capture duration and uploads the recording to object storage.
package capture
