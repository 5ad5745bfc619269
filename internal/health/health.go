// Package health gates the UI on the backend answering its liveness endpoint.
// A Gate is a bounded, fixed-interval poll: no backoff, and no retry once the
// budget is spent.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync/atomic"
	"time"
)

// Defaults match the desktop shell's startup poll.
const (
	DefaultURL         = "http://127.0.0.1:8001/health"
	DefaultMaxAttempts = 10
	DefaultInterval    = time.Second
	DefaultTimeout     = 2 * time.Second
)

// URLForPort is the liveness endpoint of a backend listening on port.
func URLForPort(port int) string { return fmt.Sprintf("http://127.0.0.1:%d/health", port) }

var (
	// ErrBackendUnresponsive matches any *UnresponsiveError.
	ErrBackendUnresponsive = errors.New("backend unresponsive")
	// ErrGateConsumed is returned when a gate is awaited a second time.
	ErrGateConsumed = errors.New("health gate already consumed")
)

// UnresponsiveError reports a spent retry budget.
type UnresponsiveError struct {
	URL      string
	Attempts int
	Last     Attempt
}

func (e *UnresponsiveError) Error() string {
	cause := fmt.Sprintf("status %d", e.Last.StatusCode)
	if e.Last.Err != nil {
		cause = e.Last.Err.Error()
	}
	return fmt.Sprintf("backend at %s did not become ready after %d attempts (last: %s)", e.URL, e.Attempts, cause)
}

func (e *UnresponsiveError) Is(target error) bool { return target == ErrBackendUnresponsive }

func (e *UnresponsiveError) Unwrap() error { return e.Last.Err }

// Config controls one gate.
type Config struct {
	URL         string        `mapstructure:"url"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"` // per request
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Attempt is one poll of the liveness endpoint.
type Attempt struct {
	N          int           `json:"n"`
	StatusCode int           `json:"status_code,omitempty"`
	Err        error         `json:"-"`
	Latency    time.Duration `json:"latency"`
	At         time.Time     `json:"at"`
}

// OK reports whether the attempt satisfied the gate (a 2xx response).
func (a Attempt) OK() bool { return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300 }

// HTTPClient is the subset of *http.Client the gate needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer sees every attempt as it completes.
type Observer func(Attempt)

// Gate is a single-use readiness poll.
type Gate struct {
	cfg      Config
	client   HTTPClient
	observe  Observer
	consumed atomic.Bool
}

// Option configures a Gate.
type Option func(*Gate)

func WithClient(c HTTPClient) Option { return func(g *Gate) { g.client = c } }

func WithObserver(o Observer) Option { return func(g *Gate) { g.observe = o } }

func New(cfg Config, opts ...Option) *Gate {
	g := &Gate{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(g)
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	return g
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Attempts is the lazy polling sequence. Each step issues one request; the
// sequence ends after the first 2xx, after MaxAttempts, or when ctx is done.
// A gate can be iterated once; later iterations yield nothing.
func (g *Gate) Attempts(ctx context.Context) iter.Seq[Attempt] {
	return func(yield func(Attempt) bool) {
		g.run(ctx, yield)
	}
}

// AwaitReady drives the sequence to completion. It returns the satisfying
// attempt, an *UnresponsiveError after MaxAttempts failures, ctx's error if
// cancelled, or ErrGateConsumed if the gate was already used.
func (g *Gate) AwaitReady(ctx context.Context) (Attempt, error) {
	var last Attempt
	if !g.run(ctx, func(a Attempt) bool { last = a; return true }) {
		return Attempt{}, ErrGateConsumed
	}
	if last.OK() {
		return last, nil
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, &UnresponsiveError{URL: g.cfg.URL, Attempts: last.N, Last: last}
}

// run reports false if the gate had already been consumed.
func (g *Gate) run(ctx context.Context, yield func(Attempt) bool) bool {
	if !g.consumed.CompareAndSwap(false, true) {
		return false
	}
	for n := 1; n <= g.cfg.MaxAttempts; n++ {
		if n > 1 && !sleep(ctx, g.cfg.Interval) {
			return true
		}
		a := g.poll(ctx, n)
		if g.observe != nil {
			g.observe(a)
		}
		if !yield(a) || a.OK() {
			return true
		}
	}
	return true
}

func (g *Gate) poll(ctx context.Context, n int) Attempt {
	a := Attempt{N: n, At: time.Now()}
	rctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, g.cfg.URL, nil)
	if err != nil {
		a.Err = err
		return a
	}
	resp, err := g.client.Do(req)
	a.Latency = time.Since(a.At)
	if err != nil {
		a.Err = err
		return a
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	a.StatusCode = resp.StatusCode
	return a
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// AwaitReady polls url up to maxAttempts times, interval apart, with a fresh gate.
func AwaitReady(ctx context.Context, url string, maxAttempts int, interval time.Duration) (Attempt, error) {
	return New(Config{URL: url, MaxAttempts: maxAttempts, Interval: interval}).AwaitReady(ctx)
}
