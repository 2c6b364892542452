package system

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a snapshot of host resources attached to batch reports.
type Stats struct {
	PhysicalCPUs   int     `yaml:"physical_cpus"`
	LogicalCPUs    int     `yaml:"logical_cpus"`
	MemTotal       uint64  `yaml:"mem_total"`
	MemUsedPercent float64 `yaml:"mem_used_percent"`
	ProcessRSS     uint64  `yaml:"process_rss"`
}

// HostStats collects Stats. Fields that cannot be read stay zero; the error
// is the first failure encountered.
func HostStats(ctx context.Context) (Stats, error) {
	var s Stats
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		s.PhysicalCPUs = n
	} else {
		keep(err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.LogicalCPUs = n
	} else {
		keep(err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemTotal = vm.Total
		s.MemUsedPercent = vm.UsedPercent
	} else {
		keep(err)
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSS = info.RSS
		} else {
			keep(err)
		}
	} else {
		keep(err)
	}

	return s, firstErr
}

// DefaultWorkers sizes the item worker pool: one worker per physical core,
// or per logical CPU when the physical count is unavailable.
func DefaultWorkers() int {
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}
