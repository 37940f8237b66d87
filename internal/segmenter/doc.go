// Package segmenter slices a transcoded recording into fixed-length segments.
//
// Plan is pure and covers [0,duration) exactly; the last segment absorbs the
// remainder. The handler cuts each planned range with ffmpeg and uploads it.
package segmenter
