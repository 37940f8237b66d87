package segmenter

import "math"

// Range is one planned segment in seconds.
type Range struct {
	Ordinal int
	Start   float64
	End     float64
}

// Length returns the segment duration.
func (r Range) Length() float64 {
	return r.End - r.Start
}

// minTail is the shortest trailing remainder kept as its own segment. Shorter
// remainders are merged into the previous segment.
const minTail = 1.0

// Plan splits [0,duration) into segments of length seconds. It returns nil
// for a non-positive duration and a single segment for a non-positive length.
func Plan(duration, length float64) []Range {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil
	}
	if length <= 0 || length >= duration {
		return []Range{{Ordinal: 0, Start: 0, End: duration}}
	}

	count := int(math.Floor(duration / length))
	if duration-float64(count)*length >= minTail {
		count++
	}
	ranges := make([]Range, 0, count)
	for i := range count {
		start := float64(i) * length
		end := start + length
		if i == count-1 {
			end = duration
		}
		ranges = append(ranges, Range{Ordinal: i, Start: start, End: end})
	}
	return ranges
}
