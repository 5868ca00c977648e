package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// Stats is the resource usage of one live worker.
type Stats struct {
	Pid        int           `json:"pid"`
	RSS        uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
	Uptime     time.Duration `json:"-"`
}

// RSSHuman formats RSS for people.
func (s Stats) RSSHuman() string { return humanize.IBytes(s.RSS) }

// UptimeHuman formats the process start time relative to now.
func (s Stats) UptimeHuman() string { return humanize.Time(time.Now().Add(-s.Uptime)) }

// Stats samples memory and CPU for a worker that is still running.
func (m *Manager) Stats(ctx context.Context, target Child) (Stats, error) {
	c, err := m.lookup(target.Index)
	if err != nil {
		return Stats{}, err
	}
	if c.exited() {
		return Stats{}, fmt.Errorf("worker %d has exited", c.index)
	}

	p, err := process.NewProcessWithContext(ctx, int32(c.pid))
	if err != nil {
		return Stats{}, fmt.Errorf("inspect worker %d: %w", c.index, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory of worker %d: %w", c.index, err)
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cpu of worker %d: %w", c.index, err)
	}
	return Stats{
		Pid:        c.pid,
		RSS:        mem.RSS,
		CPUPercent: cpu,
		Uptime:     time.Since(c.startedAt),
	}, nil
}
