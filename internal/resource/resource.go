// Package resource provides a lightweight, gopsutil-backed admin info
// surface (process RSS, goroutine count, uptime), adapted from the
// teacher's cgroup-aware ResourceGuard — repurposed here as plain
// observability rather than an admission-control brake, since this
// single-node in-memory store has no natural backpressure knob of its own.
package resource

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time read of process resource usage.
type Snapshot struct {
	UptimeSeconds float64
	Goroutines    int
	RSSBytes      uint64
	CPUPercent    float64
}

// Monitor reports Snapshots for the current process.
type Monitor struct {
	startedAt time.Time
	proc      *process.Process
}

// New returns a Monitor for the current process. If the process handle
// cannot be obtained (unusual, but gopsutil surfaces platform errors),
// RSS/CPU fields in Snapshot read as zero rather than failing startup.
func New() *Monitor {
	m := &Monitor{startedAt: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

// Snapshot reads current resource usage.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
			s.RSSBytes = mem.RSS
		}
		if pct, err := m.proc.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
	}
	return s
}
