//go:build !windows

package detector

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info is a point-in-time view of a live process, used by status reporting.
type Info struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Cmdline   string    `json:"cmdline"`
	Status    []string  `json:"status,omitempty"`
	StartedAt time.Time `json:"started_at"`
	RSSBytes  uint64    `json:"rss_bytes"`
	Threads   int32     `json:"threads"`
}

// Inspect gathers Info for pid. Fields that cannot be read are left empty; an error is
// returned only when the process cannot be found at all.
func Inspect(ctx context.Context, pid int) (Info, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Info{}, err
	}
	info := Info{PID: pid, StartedAt: StartTime(pid)}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmd, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmd
	}
	if st, err := p.StatusWithContext(ctx); err == nil {
		info.Status = st
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		info.Threads = n
	}
	return info, nil
}
