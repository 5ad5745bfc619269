package ports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Finder discovers who listens on a TCP port.
type Finder interface {
	// Listeners returns the PIDs with a TCP socket in LISTEN state on port.
	Listeners(ctx context.Context, port int) ([]int, error)
	// Cmdline returns the full command line of pid.
	Cmdline(ctx context.Context, pid int) (string, error)
}

// Finder names accepted by NewFinder.
const (
	FinderAuto     = "auto"
	FinderGopsutil = "gopsutil"
	FinderLsof     = "lsof"
)

// NewFinder builds the finder named by kind. "auto" prefers gopsutil and falls
// back to lsof/ps when the socket table cannot be read.
func NewFinder(kind string, r Runner) (Finder, error) {
	if r == nil {
		r = ExecRunner{}
	}
	switch strings.ToLower(kind) {
	case "", FinderAuto:
		return FallbackFinder{Primary: GopsutilFinder{}, Secondary: LsofFinder{Runner: r}}, nil
	case FinderGopsutil:
		return GopsutilFinder{}, nil
	case FinderLsof:
		return LsofFinder{Runner: r}, nil
	default:
		return nil, fmt.Errorf("unknown port finder %q", kind)
	}
}

// GopsutilFinder reads the OS socket table through gopsutil; no external tools needed.
type GopsutilFinder struct{}

func (GopsutilFinder) Listeners(ctx context.Context, port int) ([]int, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("read socket table: %w", err)
	}
	var pids []int
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			pids = append(pids, int(c.Pid))
		}
	}
	return pids, nil
}

func (GopsutilFinder) Cmdline(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	cmd, err := p.CmdlineWithContext(ctx)
	if err == nil && cmd != "" {
		return cmd, nil
	}
	// kernel threads and some sandboxed processes have no argv
	if name, nerr := p.NameWithContext(ctx); nerr == nil && name != "" {
		return name, nil
	}
	return cmd, err
}

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	return exec.CommandContext(ctx, name, args...).Output()
}

// LsofFinder shells out to lsof and ps, matching what a user would run by hand.
type LsofFinder struct {
	Runner Runner
}

func (f LsofFinder) Listeners(ctx context.Context, port int) ([]int, error) {
	out, err := f.Runner.Run(ctx, "lsof", "-nP", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	if err != nil {
		// lsof exits 1 with no output when nothing matches
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) && coded.ExitCode() == 1 && len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("lsof: unexpected output %q", field)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (f LsofFinder) Cmdline(ctx context.Context, pid int) (string, error) {
	out, err := f.Runner.Run(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "command=")
	if err != nil {
		return "", fmt.Errorf("ps: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// FallbackFinder asks Primary and uses Secondary only when Primary errors.
type FallbackFinder struct {
	Primary   Finder
	Secondary Finder
}

func (f FallbackFinder) Listeners(ctx context.Context, port int) ([]int, error) {
	pids, err := f.Primary.Listeners(ctx, port)
	if err == nil {
		return pids, nil
	}
	pids, err2 := f.Secondary.Listeners(ctx, port)
	if err2 != nil {
		return nil, errors.Join(err, err2)
	}
	return pids, nil
}

func (f FallbackFinder) Cmdline(ctx context.Context, pid int) (string, error) {
	cmd, err := f.Primary.Cmdline(ctx, pid)
	if err == nil {
		return cmd, nil
	}
	cmd, err2 := f.Secondary.Cmdline(ctx, pid)
	if err2 != nil {
		return "", errors.Join(err, err2)
	}
	return cmd, nil
}
