package pressure

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Sampler collects Sample telemetry for one worker's local filesystem,
// using the syscalls golang.org/x/sys/unix already exposes transitively
// through golang.org/x/crypto/ssh's module, rather than hand-parsing
// /proc/meminfo for numbers the kernel already hands back structured.
//
// IOUtilPct has no equivalent single-syscall source: it is derived from the
// delta between two /proc/diskstats reads, so Sampler keeps the previous
// sample to compute it. There is no third-party library in reach that
// exposes a ready-made instantaneous IO-busy percentage; this is the one
// place this package falls back to a direct /proc read.
type Sampler struct {
	path   string // mount point to statfs, e.g. a worker's build root
	device string // /proc/diskstats device name backing path, "" disables IO sampling

	prevTicks uint64
	prevAt    time.Time
}

// NewSampler builds a Sampler for path, optionally tracking IO utilization
// for the named block device (as it appears in /proc/diskstats).
func NewSampler(path, device string) *Sampler {
	return &Sampler{path: path, device: device}
}

// Sample reads current disk and memory telemetry. Errors reading the
// optional IO counters degrade IOUtilPct to 0 rather than failing the
// whole sample, since disk-space pressure is the load-bearing signal.
func (s *Sampler) Sample(now time.Time) (Sample, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.path, &stat); err != nil {
		return Sample{}, fmt.Errorf("pressure: statfs %s: %w", s.path, err)
	}
	blockSize := uint64(stat.Bsize)
	totalBytes := stat.Blocks * blockSize
	freeBytes := stat.Bavail * blockSize

	var sysinfo unix.Sysinfo_t
	memPressure := 0.0
	if err := unix.Sysinfo(&sysinfo); err == nil && sysinfo.Totalram > 0 {
		unit := uint64(sysinfo.Unit)
		if unit == 0 {
			unit = 1
		}
		total := sysinfo.Totalram * unit
		free := sysinfo.Freeram * unit
		memPressure = 1 - float64(free)/float64(total)
	}

	ioUtilPct := 0.0
	if s.device != "" {
		if ticks, err := readDiskTicks(s.device); err == nil {
			if !s.prevAt.IsZero() {
				elapsedMs := float64(now.Sub(s.prevAt).Milliseconds())
				if elapsedMs > 0 && ticks >= s.prevTicks {
					ioUtilPct = float64(ticks-s.prevTicks) / elapsedMs * 100
					if ioUtilPct > 100 {
						ioUtilPct = 100
					}
				}
			}
			s.prevTicks = ticks
			s.prevAt = now
		}
	}

	const bytesPerGB = 1 << 30
	return Sample{
		CollectedAt: now,
		FreeGB:      float64(freeBytes) / bytesPerGB,
		TotalGB:     float64(totalBytes) / bytesPerGB,
		IOUtilPct:   ioUtilPct,
		MemPressure: memPressure,
	}, nil
}

// readDiskTicks returns the cumulative "time spent doing I/Os" field (field
// 13, milliseconds) from /proc/diskstats for device.
func readDiskTicks(device string) (uint64, error) {
	f, err := os.Open("/proc/diskstats")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 13 {
			continue
		}
		if fields[2] != device {
			continue
		}
		return strconv.ParseUint(fields[12], 10, 64)
	}
	return 0, fmt.Errorf("pressure: device %s not found in /proc/diskstats", device)
}
