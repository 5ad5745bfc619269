package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/loykin/sidecar/pkg/client"
)

// ErrBackendCrashed is returned by run and serve when the backend exits on its own.
var ErrBackendCrashed = errors.New("backend crashed")

type command struct {
	global *GlobalFlags
	out    io.Writer
	errOut io.Writer
	// extra supervisor options, used by tests to swap the port finder
	supOpts []supervisor.Option
	// notifyCtx returns the context cancelled on SIGINT/SIGTERM
	notifyCtx func() (context.Context, context.CancelFunc)
}

func newCommand(global *GlobalFlags) *command {
	return &command{
		global: global,
		out:    os.Stdout,
		errOut: os.Stderr,
		notifyCtx: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		},
	}
}

func (c *command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// newSupervisor builds the daemon logger and the supervisor. The returned
// closer releases the daemon log file.
func (c *command) newSupervisor(cfg *config.Config) (*supervisor.Supervisor, io.Closer, error) {
	log, closer := logger.New(cfg.LoggerConfig(), c.errOut)
	slog.SetDefault(log)
	sup, err := supervisor.New(cfg, append([]supervisor.Option{supervisor.WithLogger(log)}, c.supOpts...)...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return sup, closer, nil
}

// Run launches the backend in the foreground and stops it on SIGINT/SIGTERM.
func (c *command) Run(f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	return c.supervise(cfg, f, nil)
}

// Serve is Run plus the control API and, when metrics.listen is set, a metrics endpoint.
func (c *command) Serve(f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		_, _ = fmt.Fprintf(c.errOut, "Warning: failed to register metrics: %v\n", err)
	}
	return c.supervise(cfg, f, func(sup *supervisor.Supervisor) (func(), error) {
		srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP server: %w", err)
		}
		_, _ = fmt.Fprintf(c.out, "Starting control API on %s%s\n", srv.Addr, cfg.Server.BasePath)

		var msrv *http.Server
		if cfg.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			msrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					_, _ = fmt.Fprintf(c.errOut, "Metrics server error: %v\n", err)
				}
			}()
		}
		return func() {
			_ = srv.Close()
			if msrv != nil {
				_ = msrv.Close()
			}
		}, nil
	})
}

// supervise launches, optionally starts extra surfaces, waits for shutdown and
// stops the backend.
func (c *command) supervise(cfg *config.Config, f RunFlags, extra func(*supervisor.Supervisor) (func(), error)) error {
	sup, closer, err := c.newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := c.notifyCtx()
	defer cancel()

	stop := func() error {
		timeout := f.StopTimeout
		if timeout <= 0 {
			grace := cfg.Backend.GracePeriod
			if grace <= 0 {
				grace = process.DefaultGracePeriod
			}
			timeout = grace + 5*time.Second
		}
		sctx, scancel := context.WithTimeout(context.Background(), timeout)
		defer scancel()
		return sup.Close(sctx)
	}

	if extra != nil {
		shutdown, err := extra(sup)
		if err != nil {
			_ = stop()
			return err
		}
		defer shutdown()
	}

	rep, err := sup.Launch(ctx)
	if rep != nil {
		printJSON(c.out, rep)
	}
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(c.out, "Backend ready (pid %d)\n", rep.PID)
	case errors.Is(err, health.ErrBackendUnresponsive):
		// left running for diagnosis
		_, _ = fmt.Fprintf(c.errOut, "Warning: %v\n", err)
	case ctx.Err() != nil:
		// interrupted while waiting for health
		_, _ = fmt.Fprintln(c.out, "Shutting down...")
		return stop()
	default:
		_ = stop()
		return err
	}

	reason, ev := waitForShutdown(ctx, sup.Notifications(), c.errOut)
	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	stopErr := stop()
	if reason == reasonCrash {
		return fmt.Errorf("%w: %s", ErrBackendCrashed, ev.Message)
	}
	return stopErr
}

// Reclaim frees one port, or every configured port when port is 0, and
// prints what was done.
func (c *command) Reclaim(f ReclaimFlags) error {
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("port %d out of range", f.Port)
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	// only reclaiming; no journal and no watcher
	cfg.History.Sinks = nil
	cfg.Watch.Enabled = false
	sup, closer, err := c.newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	defer func() { _ = sup.Close(context.Background()) }()

	ctx, cancel := c.notifyCtx()
	defer cancel()
	if f.Port == 0 {
		printJSON(c.out, sup.ReclaimAll(ctx))
		return nil
	}
	printJSON(c.out, sup.Reclaim(ctx, f.Port))
	return nil
}

// Health polls a health endpoint once per interval until it answers 2xx or
// the attempt budget is spent.
func (c *command) Health(f HealthFlags) error {
	hc := health.Config{URL: f.URL, MaxAttempts: f.MaxAttempts, Interval: f.Interval}
	if hc.URL == "" || hc.MaxAttempts <= 0 || hc.Interval <= 0 {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		if hc.URL == "" {
			hc.URL = cfg.Health.URL
		}
		if hc.MaxAttempts <= 0 {
			hc.MaxAttempts = cfg.Health.MaxAttempts
		}
		if hc.Interval <= 0 {
			hc.Interval = cfg.Health.Interval
		}
		hc.Timeout = cfg.Health.Timeout
	}
	ctx, cancel := c.notifyCtx()
	defer cancel()

	last, err := health.New(hc, health.WithObserver(func(a health.Attempt) {
		if a.OK() {
			return
		}
		_, _ = fmt.Fprintf(c.errOut, "attempt %d/%d: %s\n", a.N, hc.MaxAttempts, attemptCause(a))
	})).AwaitReady(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s ready after %d attempt(s), status %d\n", hc.URL, last.N, last.StatusCode)
	return nil
}

func attemptCause(a health.Attempt) string {
	if a.Err != nil {
		return a.Err.Error()
	}
	return fmt.Sprintf("status %d", a.StatusCode)
}

// LogsSweep applies the diagnostic log retention policy and lists the rotated
// segments that remain.
func (c *command) LogsSweep() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.SinkConfig()
	sc.Console = nil
	sink := logger.Open(sc)
	defer func() { _ = sink.Close() }()

	rotated, err := sink.RotatedFiles()
	if err != nil {
		return fmt.Errorf("list rotated logs: %w", err)
	}
	printJSON(c.out, map[string]any{"path": sink.Path(), "rotated": rotated})
	return nil
}

func (c *command) apiClient(f APIFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		url = client.DefaultBaseURL
	}
	cl := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout})
	if !cl.IsReachable(context.Background()) {
		return nil, fmt.Errorf("supervisor not reachable at %s - start it first with 'sidecar serve'", url)
	}
	return cl, nil
}

// Status prints the status reported by a running supervisor.
func (c *command) Status(f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	st, err := cl.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Stop asks a running supervisor to stop the backend, then prints its status.
func (c *command) Stop(f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	if err := cl.Stop(context.Background(), f.Wait); err != nil {
		return err
	}
	st, err := cl.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Restart asks a running supervisor to restart the backend.
func (c *command) Restart(f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	res, err := cl.Restart(context.Background())
	if res != nil {
		printJSON(c.out, res)
	}
	return err
}

// Events prints the most recent notifications of a running supervisor.
func (c *command) Events(f APIFlags) error {
	cl, err := c.apiClient(f)
	if err != nil {
		return err
	}
	evs, err := cl.Events(context.Background(), f.Limit)
	if err != nil {
		return err
	}
	printJSON(c.out, evs)
	return nil
}
