// Package probe reports resource usage of the worker process and the host.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnsupported is returned by probes that cannot measure on this host.
var ErrUnsupported = errors.New("usage probe not supported")

// Usage is a resource snapshot. Worker fields are zero when no worker pid
// was given.
type Usage struct {
	WorkerRSS        uint64  `json:"worker_rss_bytes,omitempty"`
	WorkerCPUPercent float64 `json:"worker_cpu_percent,omitempty"`
	WorkerThreads    int32   `json:"worker_threads,omitempty"`
	HostMemoryTotal  uint64  `json:"host_memory_total_bytes"`
	HostMemoryUsed   uint64  `json:"host_memory_used_bytes"`
	HostMemoryPct    float64 `json:"host_memory_used_percent"`
}

// UsageProbe measures resource usage.
type UsageProbe interface {
	Usage(ctx context.Context, pid int) (Usage, error)
}

// New returns the process table probe, or Unsupported when measuring is
// switched off.
func New(enabled bool) UsageProbe {
	if !enabled {
		return Unsupported{}
	}
	return ProcessProbe{}
}

// ProcessProbe measures with the OS process table.
type ProcessProbe struct{}

func (ProcessProbe) Usage(ctx context.Context, pid int) (Usage, error) {
	var u Usage

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("failed to read host memory: %w", err)
	}
	u.HostMemoryTotal = vm.Total
	u.HostMemoryUsed = vm.Used
	u.HostMemoryPct = vm.UsedPercent

	if pid <= 0 {
		return u, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	if info, err := p.MemoryInfoWithContext(ctx); err == nil {
		u.WorkerRSS = info.RSS
	} else {
		return u, fmt.Errorf("failed to read memory of process %d: %w", pid, err)
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		u.WorkerCPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.WorkerThreads = n
	}
	return u, nil
}

// Unsupported is the probe for platforms without a usage source.
type Unsupported struct{}

func (Unsupported) Usage(context.Context, int) (Usage, error) {
	return Usage{}, ErrUnsupported
}
