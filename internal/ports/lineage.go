package ports

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// maxAncestry bounds the parent walk.
const maxAncestry = 64

// Lineage names the processes a PID descends from: its process group leader
// where the OS has one, then its parents up to init.
type Lineage interface {
	Related(ctx context.Context, pid int) []int
}

// LineageFunc adapts a function to Lineage.
type LineageFunc func(ctx context.Context, pid int) []int

func (f LineageFunc) Related(ctx context.Context, pid int) []int { return f(ctx, pid) }

// ProcessLineage reads the process table through gopsutil.
type ProcessLineage struct{}

func (ProcessLineage) Related(ctx context.Context, pid int) []int {
	var out []int
	if pgid, ok := processGroup(pid); ok && pgid != pid {
		out = append(out, pgid)
	}
	cur := pid
	for range maxAncestry {
		p, err := process.NewProcessWithContext(ctx, int32(cur))
		if err != nil {
			break
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil || ppid <= 1 || int(ppid) == cur {
			break
		}
		cur = int(ppid)
		out = append(out, cur)
	}
	return out
}
