// Package deps checks that the external tools used by stage executors
// (ffmpeg, ffprobe, uvx) are installed and reports where they resolve.
package deps
