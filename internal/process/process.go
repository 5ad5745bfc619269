// Package process owns the backend's lifecycle: locating and validating the
// packaged binary, spawning it with captured output, and terminating it with a
// graceful signal that escalates to a forceful one after a grace period.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/metrics"
)

// chmod is swapped in tests to simulate a permission fix-up failure.
var chmod = os.Chmod

// Process is the single supervised backend instance. At most one OS process is
// live per Process; Start while one is live is a no-op.
type Process struct {
	spec Spec
	env  *env.Env
	pub  events.Publisher
	log  *slog.Logger

	stops singleflight.Group

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	pid           int
	waitDone      chan struct{} // closed by the waiter once the OS reports exit
	escalate      chan struct{} // closed to cut the grace period of the stop in flight
	stopRequested bool
	startedAt     time.Time
	stoppedAt     time.Time
	exitCode      *int
	lastErr       error
}

// Option configures a Process.
type Option func(*Process)

// WithPublisher routes lifecycle events and backend output to pub.
func WithPublisher(pub events.Publisher) Option { return func(p *Process) { p.pub = pub } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(p *Process) { p.log = l } }

// WithEnv sets the environment base and global overlay.
func WithEnv(e *env.Env) Option { return func(p *Process) { p.env = e } }

func New(spec Spec, opts ...Option) *Process {
	p := &Process{spec: spec, state: NotStarted}
	for _, o := range opts {
		o(p)
	}
	if p.pub == nil {
		p.pub = events.Nop{}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.env == nil {
		p.env = env.New()
	}
	p.log = p.log.With("backend", spec.name())
	return p
}

// Spec returns the spec the process was built with.
func (p *Process) Spec() Spec { return p.spec }

// Start validates and spawns the backend. It is not cancellable: a launch
// attempt runs to completion or to a fatal validation error.
//
// Calling Start while the backend is Starting or Running is a no-op reported via
// StartReport.AlreadyRunning. Calling it while Stopping returns ErrStopInProgress.
func (p *Process) Start() (*StartReport, error) {
	exe := p.spec.Executable()
	dir := p.spec.BundleDir()

	p.mu.Lock()
	switch p.state {
	case Starting, Running:
		pid := p.pid
		p.mu.Unlock()
		p.log.Info("backend already running, start ignored", "pid", pid)
		p.publish(events.BackendStartSkipped, events.SourceSupervisor,
			fmt.Sprintf("Backend already running (PID %d)", pid), map[string]any{"pid": pid})
		return &StartReport{PID: pid, Executable: exe, AlreadyRunning: true}, nil
	case Stopping:
		p.mu.Unlock()
		return nil, ErrStopInProgress
	}
	p.setStateLocked(Starting)
	p.lastErr = nil
	p.mu.Unlock()

	p.log.Info("starting backend", "executable", exe, "dir", dir)
	p.publish(events.BackendStarting, events.SourceSupervisor, "Starting backend: "+exe,
		map[string]any{"executable": exe, "dir": dir})

	report := &StartReport{Executable: exe}
	warn, err := validate(exe)
	if err != nil {
		p.fail(err)
		return nil, err
	}
	if warn != nil {
		p.log.Warn("could not set executable permissions", "executable", exe, "error", warn.Err)
		p.publish(events.BackendStarting, events.SourceSupervisor, warn.Error(), map[string]any{"warning": warn.Kind.String()})
		report.Warnings = append(report.Warnings, warn)
	}

	cmd := exec.Command(exe, p.spec.Args...) // #nosec G204
	cmd.Dir = dir
	cmd.Env = p.env.Merge(p.spec.overlay())
	cmd.WaitDelay = p.spec.waitDelay()
	configureSysProcAttr(cmd)
	stdout := newLineWriter(p.outputEmitter("stdout"))
	stderr := newLineWriter(p.outputEmitter("stderr"))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		serr := &Error{Kind: SpawnError, Path: exe, Err: err}
		p.fail(serr)
		return nil, serr
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.pid = pid
	p.waitDone = done
	p.stopRequested = false
	p.startedAt = time.Now()
	p.exitCode = nil
	p.setStateLocked(Running)
	p.mu.Unlock()

	metrics.IncStart(p.spec.name())
	p.log.Info("backend started", "pid", pid)
	p.publish(events.BackendStarted, events.SourceSupervisor,
		fmt.Sprintf("Backend started with PID %d", pid), map[string]any{"pid": pid, "executable": exe})

	go p.wait(cmd, done, stdout, stderr)

	report.PID = pid
	return report, nil
}

// validate runs the ordered pre-spawn checks. A non-nil warning is a
// PermissionSetFailed that does not block the launch.
func validate(exe string) (warn *Error, err error) {
	st, serr := os.Stat(exe)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			return nil, &Error{Kind: BinaryMissing, Path: exe}
		}
		return nil, &Error{Kind: NotExecutable, Path: exe, Err: serr}
	}
	if st.IsDir() {
		return nil, &Error{Kind: NotExecutable, Path: exe, Err: errors.New("is a directory")}
	}
	if aerr := checkExecutable(exe); aerr != nil {
		return nil, &Error{Kind: NotExecutable, Path: exe, Err: aerr}
	}
	if perm := st.Mode().Perm(); perm&0o755 != 0o755 {
		if cerr := chmod(exe, perm|0o755); cerr != nil {
			return &Error{Kind: PermissionSetFailed, Path: exe, Err: cerr}, nil
		}
	}
	return nil, nil
}

func (p *Process) fail(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.setStateLocked(Failed)
	p.mu.Unlock()

	attrs := map[string]any{"error": err.Error()}
	var pe *Error
	if errors.As(err, &pe) {
		attrs["kind"] = pe.Kind.String()
		var errno syscall.Errno
		if errors.As(pe.Err, &errno) {
			attrs["code"] = int(errno)
		}
	}
	p.log.Error("backend start failed", "error", err)
	p.publish(events.BackendStartFailed, events.SourceSupervisor, err.Error(), attrs)
}

func (p *Process) outputEmitter(stream string) func(string) {
	return func(line string) {
		p.publish(events.BackendOutput, events.SourceBackend, line, map[string]any{"stream": stream})
	}
}

// wait reaps the backend, records how it ended and clears the handle so a
// later Start is not treated as already running.
func (p *Process) wait(cmd *exec.Cmd, done chan struct{}, outs ...*lineWriter) {
	err := cmd.Wait()
	for _, w := range outs {
		w.Flush()
	}
	code, sig := exitStatus(cmd, err)

	p.mu.Lock()
	if p.waitDone != done {
		// a failed stop already released this instance
		p.mu.Unlock()
		close(done)
		return
	}
	pid := p.pid
	requested := p.stopRequested
	p.cmd = nil
	p.pid = 0
	p.stoppedAt = time.Now()
	p.exitCode = &code
	if requested {
		p.setStateLocked(Stopped)
	} else {
		p.lastErr = &Error{Kind: UnexpectedExit, PID: pid, Code: code, Err: err}
		p.setStateLocked(Failed)
	}
	crashErr := p.lastErr
	p.mu.Unlock()
	// done closes only after the exit event has been delivered
	defer close(done)

	payload := map[string]any{"pid": pid, "code": code}
	if sig != "" {
		payload["signal"] = sig
	}
	if requested {
		metrics.IncStop(p.spec.name())
		p.log.Info("backend exited", "pid", pid, "code", code, "signal", sig)
		p.publish(events.BackendExited, events.SourceSupervisor,
			fmt.Sprintf("Backend process exited with code %d", code), payload)
		return
	}
	metrics.IncUnexpectedExit(p.spec.name())
	payload["error"] = crashErr.Error()
	p.log.Error("backend exited unexpectedly", "pid", pid, "code", code, "signal", sig)
	p.publish(events.BackendCrashed, events.SourceSupervisor,
		fmt.Sprintf("Backend process exited unexpectedly with code %d", code), payload)
}

func exitStatus(cmd *exec.Cmd, err error) (code int, signal string) {
	if cmd.ProcessState == nil {
		return -1, ""
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return cmd.ProcessState.ExitCode(), ws.Signal().String()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), ""
	}
	return cmd.ProcessState.ExitCode(), ""
}

// Stop terminates the backend and returns once the OS has confirmed exit.
// With no tracked process it returns nil immediately. Concurrent calls join the
// stop already in flight and observe its result; only one signal sequence is sent.
//
// Cancelling ctx, whether this call started the stop or joined it, skips the
// rest of the grace period and escalates to the forceful signal. Stop still
// waits for the exit.
func (p *Process) Stop(ctx context.Context) error {
	ch := p.stops.DoChan("stop", func() (any, error) {
		return nil, p.stop(ctx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		p.cutGracePeriod()
		return (<-ch).Err
	}
}

func (p *Process) cutGracePeriod() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.escalate != nil {
		close(p.escalate)
		p.escalate = nil
	}
}

func (p *Process) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		p.log.Info("no backend process to stop")
		p.publish(events.BackendStopSkipped, events.SourceSupervisor, "No backend process to stop", nil)
		return nil
	}
	pid := p.pid
	done := p.waitDone
	esc := make(chan struct{})
	p.escalate = esc
	p.stopRequested = true
	p.setStateLocked(Stopping)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.escalate == esc {
			p.escalate = nil
		}
		p.mu.Unlock()
	}()

	p.log.Info("stopping backend", "pid", pid, "grace", p.spec.gracePeriod())
	p.publish(events.BackendStopping, events.SourceSupervisor,
		fmt.Sprintf("Stopping backend (PID %d)", pid), map[string]any{"pid": pid})

	err := p.terminate(ctx, pid, done, esc)
	if err == nil {
		return nil
	}

	// Never leave callers hanging on a handle we can no longer signal.
	p.mu.Lock()
	if p.waitDone == done {
		p.cmd = nil
		p.pid = 0
		p.waitDone = nil
		p.stoppedAt = time.Now()
		p.lastErr = err
		p.setStateLocked(Stopped)
	}
	p.mu.Unlock()
	p.log.Error("failed to stop backend", "pid", pid, "error", err)
	p.publish(events.BackendStopFailed, events.SourceSupervisor, err.Error(), map[string]any{"pid": pid})
	return err
}

func (p *Process) terminate(ctx context.Context, pid int, done, escalate <-chan struct{}) error {
	if err := p.signal(pid, "graceful", signalGraceful); err != nil {
		return err
	}

	timer := time.NewTimer(p.spec.gracePeriod())
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	case <-escalate:
	}
	select {
	case <-done:
		return nil
	default:
	}

	metrics.IncForcedKill(p.spec.name())
	p.log.Warn("backend did not exit within grace period, killing", "pid", pid)
	if err := p.signal(pid, "forceful", signalForceful); err != nil {
		return err
	}
	<-done
	return nil
}

func (p *Process) signal(pid int, kind string, send func(int) error) error {
	err := send(pid)
	if err != nil && !processGone(err) {
		return &Error{Kind: StopSignalError, PID: pid, Err: err}
	}
	p.publish(events.BackendSignal, events.SourceSupervisor,
		fmt.Sprintf("Sent %s stop signal to PID %d", kind, pid), map[string]any{"pid": pid, "signal": kind})
	return nil
}

// Status returns a snapshot of the backend.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:          p.spec.name(),
		State:         p.state,
		Running:       p.cmd != nil,
		PID:           p.pid,
		Executable:    p.spec.Executable(),
		Dir:           p.spec.BundleDir(),
		StartedAt:     p.startedAt,
		StoppedAt:     p.stoppedAt,
		StopRequested: p.stopRequested,
	}
	if p.exitCode != nil {
		c := *p.exitCode
		st.ExitCode = &c
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the live backend's PID, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Done returns a channel closed when the current instance exits, or nil when
// nothing is running.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitDone == nil {
		return nil
	}
	return p.waitDone
}

func (p *Process) setStateLocked(s State) {
	if p.state == s {
		return
	}
	from := p.state
	p.state = s
	name := p.spec.name()
	metrics.RecordStateTransition(name, from.String(), s.String())
	metrics.SetState(name, s.String(), stateNames)
}

var stateNames = func() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = s.String()
	}
	return out
}()

func (p *Process) publish(typ, source, msg string, payload map[string]any) {
	_ = p.pub.Publish(context.Background(), events.Event{
		Type:    typ,
		Source:  source,
		Message: msg,
		Payload: payload,
	})
}
