// Package supervisor wires the backend's lifecycle together: it reclaims the
// backend's ports, launches it, gates on its health endpoint and stops it, and
// it routes every notification to the diagnostic log, the history journal and
// the user-facing notification stream.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/ports"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/watcher"
)

const (
	notifyBuffer = 32
	recentSize   = 200
)

// notifyTypes are surfaced to the user.
var notifyTypes = map[string]bool{
	events.BackendCrashed:     true,
	events.BackendStartFailed: true,
	events.BackendStopFailed:  true,
	events.HealthFailed:       true,
}

// HealthStatus is the outcome of the last readiness gate.
type HealthStatus struct {
	Ready      bool      `json:"ready"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Status is the supervisor's view of the backend.
type Status struct {
	process.Status
	Health       *HealthStatus           `json:"health,omitempty"`
	Resources    *metrics.ResourceSample `json:"resources,omitempty"`
	Ports        []int                   `json:"ports"`
	LogPath      string                  `json:"log_path"`
	LastRotation time.Time               `json:"last_rotation"`
}

// LaunchReport describes one Launch or Restart.
type LaunchReport struct {
	Reclaimed []ports.Result       `json:"reclaimed,omitempty"`
	Start     *process.StartReport `json:"-"`
	PID       int                  `json:"pid,omitempty"`
	Health    *HealthStatus        `json:"health,omitempty"`
}

// Supervisor exclusively owns one backend process and one diagnostic log.
type Supervisor struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *events.Bus
	sink    *logger.Sink
	proc    *process.Process
	recon   *ports.Reconciler
	rec     *history.Recorder
	sampler *metrics.ResourceSampler
	watch   *watcher.Watcher
	client  health.HTTPClient

	stopSampler context.CancelFunc
	sweeper     *cron.Cron

	// op serializes Start, Stop, Launch and Restart.
	op sync.Mutex

	mu       sync.Mutex
	health   *HealthStatus
	recent   []events.Event
	notify   chan events.Event
	notified bool // notify closed

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	log      *slog.Logger
	finder   ports.Finder
	killer   ports.Killer
	client   health.HTTPClient
	sinks    []history.Sink
	sinksSet bool
	env      *env.Env
}

// Option configures a Supervisor.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

func WithFinder(f ports.Finder) Option { return func(o *options) { o.finder = f } }

func WithKiller(k ports.Killer) Option { return func(o *options) { o.killer = k } }

func WithHealthClient(c health.HTTPClient) Option { return func(o *options) { o.client = c } }

// WithHistorySinks replaces the sinks named by history.sinks in the config.
func WithHistorySinks(sinks ...history.Sink) Option {
	return func(o *options) { o.sinks, o.sinksSet = sinks, true }
}

// WithEnv replaces the environment built from the config.
func WithEnv(e *env.Env) Option { return func(o *options) { o.env = e } }

// New builds the supervisor. Opening the diagnostic log runs its retention
// sweep. Nothing is spawned until Start or Launch.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	pattern, err := ports.CompilePattern(cfg.Ports.Pattern)
	if err != nil {
		return nil, err
	}
	if o.finder == nil {
		if o.finder, err = ports.NewFinder(cfg.Ports.Finder, nil); err != nil {
			return nil, err
		}
	}
	if o.env == nil {
		if o.env, err = cfg.Environment(); err != nil {
			return nil, err
		}
	}

	s := &Supervisor{
		cfg:    cfg,
		log:    o.log,
		client: o.client,
		notify: make(chan events.Event, notifyBuffer),
	}

	sc := cfg.SinkConfig()
	sc.Logger = o.log
	s.sink = logger.Open(sc)

	s.bus = events.NewBus(o.log)
	// log forwarding first so the file sees events before anyone reacts to them
	if _, err := s.bus.Subscribe("*", s.forward); err != nil {
		return nil, err
	}
	if _, err := s.bus.Subscribe("*", s.remember); err != nil {
		return nil, err
	}

	spec := cfg.Spec()
	s.proc = process.New(spec,
		process.WithPublisher(s.bus),
		process.WithLogger(o.log),
		process.WithEnv(o.env),
	)

	ropts := []ports.Option{
		ports.WithFinder(o.finder),
		ports.WithPattern(pattern),
		ports.WithPublisher(s.bus),
		ports.WithLogger(o.log),
		ports.WithProtected(s.protectedPIDs),
	}
	if o.killer != nil {
		ropts = append(ropts, ports.WithKiller(o.killer))
	}
	s.recon = ports.NewReconciler(ropts...)

	sinks := o.sinks
	if !o.sinksSet {
		if sinks, err = factory.NewSinks(cfg.History.Sinks); err != nil {
			// the journal is auxiliary; supervision goes on without it
			o.log.Warn("history journal disabled", "error", err)
			sinks = nil
		}
	}
	s.rec = history.NewRecorder(spec.Name, sinks, o.log)
	if err := s.rec.Attach(s.bus); err != nil {
		return nil, err
	}

	s.sampler = metrics.NewResourceSampler(spec.Name, cfg.Metrics.Resources)
	sctx, cancel := context.WithCancel(context.Background())
	s.stopSampler = cancel
	s.sampler.Start(sctx, s.proc.PID)

	if sched := cfg.Log.SweepSchedule; sched != "" {
		c := cron.New()
		if _, err := c.AddFunc(sched, s.sink.Sweep); err != nil {
			o.log.Warn("log sweep schedule ignored", "schedule", sched, "error", err)
		} else {
			c.Start()
			s.sweeper = c
		}
	}

	if cfg.Watch.Enabled {
		w, err := watcher.New(spec.Executable(), s.onBinaryChanged,
			watcher.WithDebounce(cfg.Watch.Debounce),
			watcher.WithPublisher(s.bus),
			watcher.WithLogger(o.log))
		if err != nil {
			o.log.Warn("binary watcher disabled", "path", spec.Executable(), "error", err)
		} else {
			s.watch = w
		}
	}
	return s, nil
}

// Config returns the configuration the supervisor was built with.
func (s *Supervisor) Config() *config.Config { return s.cfg }

// Bus exposes the notification channel for additional subscribers.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Sink returns the diagnostic log.
func (s *Supervisor) Sink() *logger.Sink { return s.sink }

// Notifications streams events the user should see: crashes, start failures,
// stop failures and an unresponsive backend. Events that do not fit the
// buffer are dropped. The channel is closed by Close.
func (s *Supervisor) Notifications() <-chan events.Event { return s.notify }

// Logf appends a supervisor line to the diagnostic log.
func (s *Supervisor) Logf(format string, args ...any) {
	s.sink.Append("[Supervisor] " + fmt.Sprintf(format, args...))
}

// Reclaim frees one port from stale instances of the application.
func (s *Supervisor) Reclaim(ctx context.Context, port int) ports.Result {
	return s.recon.Reclaim(ctx, port)
}

// ReclaimAll reclaims every configured port and returns when all passes are done.
func (s *Supervisor) ReclaimAll(ctx context.Context) []ports.Result {
	return s.recon.ReclaimAll(ctx, s.cfg.Ports.List())
}

// Start spawns the backend without reclaiming ports or waiting for health.
func (s *Supervisor) Start() (*process.StartReport, error) {
	s.op.Lock()
	defer s.op.Unlock()
	return s.proc.Start()
}

// Stop terminates the backend; see process.Process.Stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.proc.Stop(ctx)
}

// Launch runs the startup sequence: reclaim ports, start, then gate on health.
// A fatal start error or an unresponsive backend is returned and also sent to
// Notifications. A backend that fails the gate is left running until Stop.
func (s *Supervisor) Launch(ctx context.Context) (*LaunchReport, error) {
	s.op.Lock()
	defer s.op.Unlock()
	return s.launch(ctx)
}

// Restart stops the backend and launches it again.
func (s *Supervisor) Restart(ctx context.Context) (*LaunchReport, error) {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.proc.Stop(ctx); err != nil {
		s.log.Warn("stop before restart failed", "error", err)
	}
	return s.launch(ctx)
}

func (s *Supervisor) launch(ctx context.Context) (*LaunchReport, error) {
	report := &LaunchReport{}
	if s.proc.State().Active() {
		s.log.Debug("backend active, skipping port reclaim")
	} else {
		report.Reclaimed = s.ReclaimAll(ctx)
	}

	sr, err := s.proc.Start()
	if err != nil {
		return report, err
	}
	report.Start = sr
	report.PID = sr.PID

	_, err = s.AwaitReady(ctx)
	report.Health = s.lastHealth()
	return report, err
}

// AwaitReady gates on the backend's health endpoint with a fresh gate.
func (s *Supervisor) AwaitReady(ctx context.Context) (health.Attempt, error) {
	hc := s.cfg.Health
	gopts := []health.Option{health.WithObserver(s.observeAttempt)}
	if s.client != nil {
		gopts = append(gopts, health.WithClient(s.client))
	}
	gate := health.New(hc, gopts...)
	budget := gate.Config().MaxAttempts
	name := s.cfg.Spec().Name

	began := time.Now()
	a, err := gate.AwaitReady(ctx)
	hs := &HealthStatus{Ready: err == nil, Attempts: a.N, StatusCode: a.StatusCode, At: time.Now()}
	switch {
	case err == nil:
		metrics.ObserveReadyDuration(name, time.Since(began).Seconds())
		s.publish(events.HealthReady, fmt.Sprintf("Backend ready after %d attempt(s)", a.N),
			map[string]any{"attempts": a.N, "status": a.StatusCode, "pid": s.proc.PID()})
	case errors.Is(err, health.ErrBackendUnresponsive):
		hs.Error = err.Error()
		s.log.Error("backend unresponsive", "url", gate.Config().URL, "attempts", budget, "error", err)
		s.publish(events.HealthFailed, fmt.Sprintf("Backend did not respond after %d attempts", budget),
			map[string]any{"attempts": a.N, "url": gate.Config().URL, "error": err.Error(), "pid": s.proc.PID()})
	default:
		hs.Error = err.Error()
	}
	s.mu.Lock()
	s.health = hs
	s.mu.Unlock()
	return a, err
}

func (s *Supervisor) observeAttempt(a health.Attempt) {
	result := "ok"
	detail := fmt.Sprintf("status %d", a.StatusCode)
	switch {
	case a.Err != nil:
		result, detail = "error", a.Err.Error()
	case !a.OK():
		result = "not_ready"
	}
	metrics.IncHealthAttempt(result)
	payload := map[string]any{"attempt": a.N, "result": result, "latency_ms": a.Latency.Milliseconds()}
	if a.StatusCode != 0 {
		payload["status"] = a.StatusCode
	}
	s.publish(events.HealthAttempt, fmt.Sprintf("Health check attempt %d: %s", a.N, detail), payload)
}

// Status returns the process snapshot, the last health result and, when
// sampling is enabled, the latest resource reading.
func (s *Supervisor) Status() Status {
	st := Status{
		Status:       s.proc.Status(),
		Health:       s.lastHealth(),
		Ports:        s.cfg.Ports.List(),
		LogPath:      s.sink.Path(),
		LastRotation: s.sink.LastRotation(),
	}
	if rs, ok := s.sampler.Latest(); ok && st.Running {
		st.Resources = &rs
	}
	return st
}

// Recent returns up to n of the latest events, oldest first. Backend output
// is not retained.
func (s *Supervisor) Recent(n int) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	return append([]events.Event(nil), s.recent[len(s.recent)-n:]...)
}

// Close stops the backend and releases the watcher, sweep schedule, sampler,
// journal, bus and diagnostic log, in that order. It is idempotent.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.watch != nil {
			errs = append(errs, s.watch.Close())
		}
		if s.sweeper != nil {
			<-s.sweeper.Stop().Done()
		}
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.stopSampler()
		s.sampler.Stop()
		errs = append(errs, s.bus.Close(), s.rec.Close())

		s.mu.Lock()
		s.notified = true
		close(s.notify)
		s.mu.Unlock()

		errs = append(errs, s.sink.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Supervisor) lastHealth() *HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == nil {
		return nil
	}
	h := *s.health
	return &h
}

func (s *Supervisor) protectedPIDs() []int {
	if pid := s.proc.PID(); pid > 0 {
		return []int{pid}
	}
	return nil
}

func (s *Supervisor) onBinaryChanged(path string) {
	s.log.Info("restarting backend after binary change", "path", path)
	if _, err := s.Restart(context.Background()); err != nil {
		s.log.Error("restart after binary change failed", "error", err)
	}
}

// forward writes every event to the diagnostic log.
func (s *Supervisor) forward(_ context.Context, e events.Event) {
	if e.Type == events.BackendOutput {
		s.sink.Append(fmt.Sprintf("[Backend %s]: %s", e.Str("stream"), e.Message))
		return
	}
	if e.Message == "" {
		return
	}
	src := e.Source
	if src == "" {
		src = events.SourceSupervisor
	}
	s.sink.Append("[" + src + "] " + e.Message)
}

// remember keeps the recent-event ring and feeds Notifications.
func (s *Supervisor) remember(_ context.Context, e events.Event) {
	if e.Type == events.BackendOutput {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, e)
	if over := len(s.recent) - recentSize; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	if !notifyTypes[e.Type] || s.notified {
		return
	}
	select {
	case s.notify <- e:
	default:
		s.log.Warn("notification dropped", "type", e.Type)
	}
}

func (s *Supervisor) publish(typ, msg string, payload map[string]any) {
	_ = s.bus.Publish(context.Background(), events.Event{
		Type:    typ,
		Source:  events.SourceSupervisor,
		Message: msg,
		Payload: payload,
	})
}
