//go:build !linux

package admission

import "context"

// HostSampler reports nothing on platforms without a sampler; every field is
// marked unknown so thresholds are skipped.
type HostSampler struct {
	DiskPath string
}

// NewHostSampler returns a sampler that measures nothing.
func NewHostSampler(diskPath string) *HostSampler {
	return &HostSampler{DiskPath: diskPath}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(context.Context) (Snapshot, error) {
	return Snapshot{}, nil
}
