// Package vision samples keyframes from a segment with ffmpeg and asks an
// OpenAI-compatible vision model for a structured description of the stream:
// scene, on-screen offers, host behaviour and audience signals.
package vision
