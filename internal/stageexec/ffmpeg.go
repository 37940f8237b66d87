package stageexec

import (
	"strconv"
	"strings"
	"time"
)

// FFmpegProgressArgs makes ffmpeg print machine-readable progress to stdout.
var FFmpegProgressArgs = []string{"-nostdin", "-nostats", "-progress", "pipe:1"}

// ParseFFmpegProgress extracts the encoded media position from a line of
// ffmpeg -progress output. out_time_us and out_time_ms are both microseconds.
func ParseFFmpegProgress(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		return time.Duration(us) * time.Microsecond, true
	case "out_time":
		return parseClock(strings.TrimSpace(value))
	}
	return 0, false
}

// parseClock parses HH:MM:SS.micro.
func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return total + time.Duration(seconds*float64(time.Second)), true
}

// Percent converts a position within total into a percentage clipped to
// [0,100]. A non-positive total yields 0.
func Percent(position, total time.Duration) float64 {
	if total <= 0 || position <= 0 {
		return 0
	}
	pct := float64(position) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
