// Package sidecar supervises one packaged backend process for a desktop shell:
// it reclaims the backend's ports, launches it, gates on its health endpoint,
// forwards its output to a rotating diagnostic log and stops it cleanly.
package sidecar

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/ports"
	"github.com/loykin/sidecar/internal/process"
	iapi "github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Status = supervisor.Status

type LaunchReport = supervisor.LaunchReport

type StartReport = process.StartReport

type Event = events.Event

type PortResult = ports.Result

type HealthAttempt = health.Attempt

type Option = supervisor.Option

type LogSink = logger.Sink

type LogSinkConfig = logger.SinkConfig

// Error is a lifecycle failure; switch on its Kind.
type Error = process.Error

type ErrorKind = process.Kind

const (
	BinaryMissing       = process.BinaryMissing
	NotExecutable       = process.NotExecutable
	PermissionSetFailed = process.PermissionSetFailed
	SpawnError          = process.SpawnError
	UnexpectedExit      = process.UnexpectedExit
	StopSignalError     = process.StopSignalError
)

var (
	ErrBackendUnresponsive = health.ErrBackendUnresponsive
	ErrStopInProgress      = process.ErrStopInProgress
)

var (
	WithLogger = supervisor.WithLogger
	WithEnv    = supervisor.WithEnv
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(c *Config, opts ...Option) (*Supervisor, error) {
	s, err := supervisor.New(c, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Reclaim(ctx context.Context, port int) PortResult { return s.inner.Reclaim(ctx, port) }
func (s *Supervisor) ReclaimAll(ctx context.Context) []PortResult      { return s.inner.ReclaimAll(ctx) }
func (s *Supervisor) Start() (*StartReport, error)                     { return s.inner.Start() }
func (s *Supervisor) Stop(ctx context.Context) error                   { return s.inner.Stop(ctx) }
func (s *Supervisor) AwaitReady(ctx context.Context) (HealthAttempt, error) {
	return s.inner.AwaitReady(ctx)
}
func (s *Supervisor) Launch(ctx context.Context) (*LaunchReport, error) { return s.inner.Launch(ctx) }
func (s *Supervisor) Restart(ctx context.Context) (*LaunchReport, error) {
	return s.inner.Restart(ctx)
}
func (s *Supervisor) Status() Status                  { return s.inner.Status() }
func (s *Supervisor) Recent(n int) []Event            { return s.inner.Recent(n) }
func (s *Supervisor) Notifications() <-chan Event     { return s.inner.Notifications() }
func (s *Supervisor) Logf(format string, args ...any) { s.inner.Logf(format, args...) }
func (s *Supervisor) Close(ctx context.Context) error { return s.inner.Close(ctx) }

// LoadConfig reads a TOML/YAML/JSON file (optional) with SIDECAR_* env overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// OpenLog opens a standalone diagnostic log, running its retention sweep.
func OpenLog(c LogSinkConfig) *LogSink { return logger.Open(c) }

// AwaitReady polls url until it answers 2xx or maxAttempts polls have failed.
func AwaitReady(ctx context.Context, url string, maxAttempts int, interval time.Duration) (HealthAttempt, error) {
	return health.AwaitReady(ctx, url, maxAttempts, interval)
}

// NewHTTPServer starts an HTTP server exposing the control API for s.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics for the default registry on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
