package logging

import "time"

// ProgressSampler throttles stage progress callbacks to step crossings.
// Callbacks without a known percent are let through at most once per
// interval so long-running tools still show signs of life.
type ProgressSampler struct {
	step     float64
	interval time.Duration
	now      func() time.Time

	lastBucket int
	lastAt     time.Time
}

// NewProgressSampler builds a sampler emitting every step percent (default 5)
// and, for unknown progress, every interval (zero disables those).
func NewProgressSampler(step float64, interval time.Duration) *ProgressSampler {
	if step <= 0 {
		step = 5
	}
	return &ProgressSampler{step: step, interval: interval, now: time.Now, lastBucket: -1}
}

// ShouldLog reports whether this update should be recorded. A negative
// percent means the tool gave no percentage.
func (s *ProgressSampler) ShouldLog(percent float64) bool {
	if s == nil {
		return true
	}
	now := s.now()
	if percent < 0 {
		if s.interval <= 0 || (!s.lastAt.IsZero() && now.Sub(s.lastAt) < s.interval) {
			return false
		}
		s.lastAt = now
		return true
	}
	bucket := int(min(percent, 100) / s.step)
	if bucket <= s.lastBucket {
		return false
	}
	s.lastBucket = bucket
	s.lastAt = now
	return true
}
