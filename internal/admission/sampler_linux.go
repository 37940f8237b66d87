//go:build linux

package admission

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sysinfo reports load averages as fixed point with 16 fractional bits.
const loadShift = 1 << 16

// HostSampler reads load and memory from the kernel and free space from the
// filesystem holding DiskPath.
type HostSampler struct {
	DiskPath    string
	MeminfoPath string
}

// NewHostSampler samples disk headroom for the filesystem holding diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	return &HostSampler{DiskPath: diskPath, MeminfoPath: "/proc/meminfo"}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(context.Context) (Snapshot, error) {
	var snap Snapshot

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return snap, err
	}
	snap.LoadAverage1 = float64(info.Loads[0]) / loadShift
	snap.LoadKnown = true

	if avail, ok := memAvailableMiB(s.MeminfoPath); ok {
		snap.FreeMemoryMiB = avail
	} else {
		unit := float64(info.Unit)
		snap.FreeMemoryMiB = (float64(info.Freeram) + float64(info.Bufferram)) * unit / (1 << 20)
	}
	snap.MemoryKnown = true

	if s.DiskPath != "" {
		var fs unix.Statfs_t
		if err := unix.Statfs(s.DiskPath, &fs); err != nil {
			return snap, err
		}
		snap.FreeDiskGiB = float64(fs.Bavail) * float64(fs.Bsize) / (1 << 30)
		snap.DiskKnown = true
	}
	return snap, nil
}

// memAvailableMiB reads MemAvailable, which counts reclaimable cache that
// Sysinfo's Freeram leaves out.
func memAvailableMiB(path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kib, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, false
		}
		return kib / 1024, true
	}
	return 0, false
}
