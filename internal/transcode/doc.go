// Package transcode normalizes a captured recording into a seekable file
// and records its probed duration, resolution and size.
//
// The ffmpeg backend produces H.264/AAC MP4. The drapto backend hands the
// recording to the Drapto library for an AV1 encode.
package transcode
