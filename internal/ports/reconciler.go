// Package ports reclaims well-known TCP ports left bound by a previous run.
// Only listeners whose command line identifies them as an earlier instance of
// this application are killed; anything else is left alone.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/metrics"
)

// DefaultPattern identifies listeners that belong to this application.
const DefaultPattern = `(?i)smartsearch-backend|electron`

// Action is what a reclaim pass did to one owner.
type Action string

const (
	ActionKilled     Action = "killed"
	ActionSkipped    Action = "skipped"
	ActionKillFailed Action = "kill_failed"
)

// Owner is a process found listening on the port. It lives for one pass only.
type Owner struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Outcome records the decision taken for one Owner.
type Outcome struct {
	Owner
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of reclaiming one port. LookupErr is informational:
// a failed lookup is treated as nothing to reclaim.
type Result struct {
	Port      int       `json:"port"`
	Owners    []Outcome `json:"owners,omitempty"`
	LookupErr error     `json:"-"`
}

// Killed returns the PIDs that were terminated.
func (r Result) Killed() []int {
	var out []int
	for _, o := range r.Owners {
		if o.Action == ActionKilled {
			out = append(out, o.PID)
		}
	}
	return out
}

// Killer terminates a process forcefully.
type Killer interface {
	Kill(ctx context.Context, pid int) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(ctx context.Context, pid int) error

func (f KillerFunc) Kill(ctx context.Context, pid int) error { return f(ctx, pid) }

// ProcessKiller sends SIGKILL (TerminateProcess on Windows) via gopsutil.
type ProcessKiller struct{}

func (ProcessKiller) Kill(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Reconciler performs reclaim passes.
type Reconciler struct {
	finder  Finder
	killer  Killer
	pattern *regexp.Regexp
	self    int
	protect func() []int
	lineage Lineage
	pub     events.Publisher
	log     *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithFinder(f Finder) Option { return func(r *Reconciler) { r.finder = f } }
func WithKiller(k Killer) Option { return func(r *Reconciler) { r.killer = k } }
func WithPattern(re *regexp.Regexp) Option { return func(r *Reconciler) { r.pattern = re } }
func WithPublisher(p events.Publisher) Option { return func(r *Reconciler) { r.pub = p } }
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.log = l } }
func WithSelfPID(pid int) Option { return func(r *Reconciler) { r.self = pid } }

// WithProtected supplies PIDs that must never be killed, such as the backend
// this supervisor is currently running. It is consulted on every pass, and
// descendants of a protected PID are spared as well.
func WithProtected(fn func() []int) Option { return func(r *Reconciler) { r.protect = fn } }

// WithLineage replaces the process-table lookup used to find a listener's ancestry.
func WithLineage(l Lineage) Option { return func(r *Reconciler) { r.lineage = l } }

// NewReconciler returns a reconciler using gopsutil with an lsof fallback, the
// default allow-list and a real killer unless overridden.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{self: os.Getpid()}
	for _, o := range opts {
		o(r)
	}
	if r.finder == nil {
		r.finder, _ = NewFinder(FinderAuto, nil)
	}
	if r.killer == nil {
		r.killer = ProcessKiller{}
	}
	if r.lineage == nil {
		r.lineage = ProcessLineage{}
	}
	if r.pattern == nil {
		r.pattern = regexp.MustCompile(DefaultPattern)
	}
	if r.pub == nil {
		r.pub = events.Nop{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// CompilePattern compiles an allow-list expression, defaulting when empty.
func CompilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		expr = DefaultPattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reclaim pattern: %w", err)
	}
	return re, nil
}

// Reclaim frees port from stale instances of this application. It never fails;
// everything it did, skipped or could not find is reported in the Result.
func (r *Reconciler) Reclaim(ctx context.Context, port int) Result {
	res := Result{Port: port}

	pids, err := r.finder.Listeners(ctx, port)
	if err != nil {
		res.LookupErr = err
		r.log.Debug("port lookup failed", "port", port, "error", err)
		r.nothing(ctx, port, "lookup failed: "+err.Error())
		return res
	}
	pids = uniq(pids)
	if len(pids) == 0 {
		r.nothing(ctx, port, "no listener")
		return res
	}

	for _, pid := range pids {
		out := r.decide(ctx, port, pid)
		res.Owners = append(res.Owners, out)
		metrics.IncPortAction(port, string(out.Action))
	}
	return res
}

func (r *Reconciler) decide(ctx context.Context, port, pid int) Outcome {
	out := Outcome{Owner: Owner{PID: pid}}
	if pid == r.self {
		out.Action, out.Reason = ActionSkipped, "supervisor itself"
		r.skip(ctx, port, out)
		return out
	}
	if reason := r.protected(ctx, pid); reason != "" {
		out.Action, out.Reason = ActionSkipped, reason
		r.skip(ctx, port, out)
		return out
	}
	cmd, err := r.finder.Cmdline(ctx, pid)
	out.Cmdline = cmd
	if err != nil {
		out.Action, out.Reason = ActionSkipped, "command line unavailable: "+err.Error()
		r.skip(ctx, port, out)
		return out
	}
	if !r.pattern.MatchString(cmd) {
		out.Action, out.Reason = ActionSkipped, "not an application process"
		r.skip(ctx, port, out)
		return out
	}

	if err := r.killer.Kill(ctx, pid); err != nil {
		out.Action, out.Reason = ActionKillFailed, err.Error()
		r.log.Warn("failed to kill stale listener", "port", port, "pid", pid, "cmdline", cmd, "error", err)
		r.publish(ctx, events.PortSkipped, fmt.Sprintf("Failed to kill process %d on port %d: %v", pid, port, err), port, out)
		return out
	}
	out.Action = ActionKilled
	r.log.Info("killed stale listener", "port", port, "pid", pid, "cmdline", cmd)
	r.publish(ctx, events.PortKilled, fmt.Sprintf("Killing process %d on port %d: %s", pid, port, cmd), port, out)
	return out
}

// protected reports why pid belongs to the running backend, or "" when it does not.
func (r *Reconciler) protected(ctx context.Context, pid int) string {
	if r.protect == nil {
		return ""
	}
	keep := r.protect()
	if len(keep) == 0 {
		return ""
	}
	if slices.Contains(keep, pid) {
		return "supervised backend"
	}
	for _, rel := range r.lineage.Related(ctx, pid) {
		if slices.Contains(keep, rel) {
			return fmt.Sprintf("child of supervised backend %d", rel)
		}
	}
	return ""
}

func (r *Reconciler) skip(ctx context.Context, port int, out Outcome) {
	r.log.Info("skipping listener", "port", port, "pid", out.PID, "cmdline", out.Cmdline, "reason", out.Reason)
	msg := fmt.Sprintf("Skipping process %d on port %d (%s): %s", out.PID, port, out.Reason, out.Cmdline)
	r.publish(ctx, events.PortSkipped, msg, port, out)
}

func (r *Reconciler) nothing(ctx context.Context, port int, reason string) {
	metrics.IncPortAction(port, "none")
	_ = r.pub.Publish(ctx, events.Event{
		Type:    events.PortNone,
		Source:  events.SourceSupervisor,
		Message: fmt.Sprintf("No process to reclaim on port %d", port),
		Payload: map[string]any{"port": port, "reason": reason},
	})
}

func (r *Reconciler) publish(ctx context.Context, typ, msg string, port int, out Outcome) {
	_ = r.pub.Publish(ctx, events.Event{
		Type:    typ,
		Source:  events.SourceSupervisor,
		Message: msg,
		Payload: map[string]any{
			"port":    port,
			"pid":     out.PID,
			"cmdline": out.Cmdline,
			"action":  string(out.Action),
			"reason":  out.Reason,
		},
	})
}

// ReclaimAll reclaims every port concurrently and returns once all passes are
// complete, so nothing is launched while a reclaim is still running. Results
// are in the order of ports.
func (r *Reconciler) ReclaimAll(ctx context.Context, ports []int) []Result {
	results := make([]Result, len(ports))
	var g errgroup.Group
	for i, port := range ports {
		g.Go(func() error {
			results[i] = r.Reclaim(ctx, port)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func uniq(pids []int) []int {
	if len(pids) < 2 {
		return pids
	}
	out := append([]int(nil), pids...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
