//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/sqlite"
	"github.com/loykin/sidecar/internal/ports"
	"github.com/loykin/sidecar/internal/process"
)

const politeBackend = "echo ready\ntrap 'exit 0' TERM\nwhile :; do sleep 0.05; done\n"

// listenerFinder reports whatever listeners returns for every port.
type listenerFinder struct {
	listeners func() []int
}

func (f listenerFinder) Listeners(context.Context, int) ([]int, error) {
	if f.listeners == nil {
		return nil, nil
	}
	return f.listeners(), nil
}

func (f listenerFinder) Cmdline(context.Context, int) (string, error) {
	return "/opt/app/backend/smartsearch-backend/smartsearch-backend", nil
}

type killRecorder struct {
	mu     sync.Mutex
	killed []int
}

func (k *killRecorder) Kill(_ context.Context, pid int) error {
	k.mu.Lock()
	k.killed = append(k.killed, pid)
	k.mu.Unlock()
	return nil
}

type fixture struct {
	cfg     *config.Config
	killer  *killRecorder
	healthy atomic.Bool
	polls   atomic.Int32
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	f := &fixture{killer: &killRecorder{}}
	f.healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.polls.Add(1)
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Backend.Name = "fake-backend"
	cfg.Backend.ResourcesDir = dir
	cfg.Backend.GracePeriod = 2 * time.Second
	cfg.Ports.DevServer = 0
	cfg.Health.URL = srv.URL + "/health"
	cfg.Health.Interval = 20 * time.Millisecond
	cfg.Log.Path = filepath.Join(dir, "logs", "smartsearch.log")
	cfg.Log.Echo = false
	cfg.History.Sinks = []string{"sqlite://" + filepath.Join(dir, "history.db")}
	f.cfg = cfg

	if script != "" {
		spec := cfg.Spec()
		require.NoError(t, os.MkdirAll(spec.BundleDir(), 0o755))
		require.NoError(t, os.WriteFile(spec.Executable(), []byte("#!/bin/sh\n"+script), 0o755))
		require.NoError(t, os.Chmod(spec.Executable(), 0o755))
	}
	return f
}

func (f *fixture) supervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	e := env.New()
	e.FromList([]string{"PATH=" + os.Getenv("PATH")})
	var s *Supervisor
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEnv(e),
		WithKiller(f.killer),
		WithFinder(listenerFinder{listeners: func() []int {
			if s == nil {
				return nil
			}
			if pid := s.proc.PID(); pid > 0 {
				return []int{pid}
			}
			return nil
		}}),
	}
	s, err := New(f.cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func signals(evs []events.Event, kind string) int {
	n := 0
	for _, e := range evs {
		if e.Type == events.BackendSignal && e.Str("signal") == kind {
			n++
		}
	}
	return n
}

func waitNotification(t *testing.T, s *Supervisor, typ string) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-s.Notifications():
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s notification", typ)
		}
	}
}

func TestLaunchAndStop_EndToEnd(t *testing.T) {
	f := newFixture(t, politeBackend)
	s := f.supervisor(t)
	ctx := context.Background()

	rep, err := s.Launch(ctx)
	require.NoError(t, err)
	require.Positive(t, rep.PID)
	require.NotNil(t, rep.Health)
	assert.True(t, rep.Health.Ready)
	require.Len(t, rep.Reclaimed, 1)
	assert.Equal(t, 8001, rep.Reclaimed[0].Port)

	st := s.Status()
	assert.Equal(t, process.Running, st.State)
	assert.Equal(t, rep.PID, st.PID)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, process.Stopped, s.proc.State())

	recent := s.Recent(0)
	assert.Equal(t, 1, signals(recent, "graceful"))
	assert.Zero(t, signals(recent, "forceful"))
	assert.Empty(t, f.killer.killed)

	require.NoError(t, s.Close(ctx))

	logData, err := os.ReadFile(f.cfg.Log.Path)
	require.NoError(t, err)
	text := string(logData)
	assert.Contains(t, text, "[Backend stdout]: ready")
	assert.Contains(t, text, "[Supervisor] Backend started with PID")
	assert.Contains(t, text, "[Supervisor] Backend process exited with code 0")

	journal, err := sqlite.New("sqlite://" + filepath.Join(f.cfg.Backend.ResourcesDir, "history.db"))
	require.NoError(t, err)
	defer journal.Close()
	for typ, want := range map[history.EventType]int{
		history.EventStarted:     1,
		history.EventHealthReady: 1,
		history.EventSignal:      1,
		history.EventExited:      1,
		history.EventCrashed:     0,
	} {
		n, err := journal.Count(ctx, typ)
		require.NoError(t, err)
		assert.Equal(t, want, n, "journal %s", typ)
	}
}

func TestLaunch_UnresponsiveBackendIsNotifiedAndLeftRunning(t *testing.T) {
	f := newFixture(t, politeBackend)
	f.healthy.Store(false)
	f.cfg.Health.MaxAttempts = 3
	s := f.supervisor(t)

	rep, err := s.Launch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, health.ErrBackendUnresponsive))
	assert.EqualValues(t, 3, f.polls.Load())
	require.NotNil(t, rep.Health)
	assert.False(t, rep.Health.Ready)

	n := waitNotification(t, s, events.HealthFailed)
	assert.Contains(t, n.Message, "3 attempts")
	assert.Equal(t, process.Running, s.proc.State())
	require.NoError(t, s.Stop(context.Background()))
}

func TestLaunch_MissingBinaryIsFatalAndNotified(t *testing.T) {
	f := newFixture(t, "")
	s := f.supervisor(t)

	_, err := s.Launch(context.Background())
	require.Error(t, err)
	assert.True(t, process.IsKind(err, process.BinaryMissing))
	assert.Zero(t, f.polls.Load(), "health must not be polled without a backend")

	n := waitNotification(t, s, events.BackendStartFailed)
	assert.Contains(t, n.Message, f.cfg.Spec().Executable())
}

func TestCrashIsSurfacedOnNotifications(t *testing.T) {
	f := newFixture(t, "echo starting\nsleep 0.3\nexit 3\n")
	s := f.supervisor(t)

	_, err := s.Launch(context.Background())
	require.NoError(t, err)

	n := waitNotification(t, s, events.BackendCrashed)
	assert.Equal(t, 3, n.Int("code"))
	assert.Equal(t, process.Failed, s.Status().State)
}

func TestReclaimNeverKillsSupervisedBackend(t *testing.T) {
	f := newFixture(t, politeBackend)
	s := f.supervisor(t)
	ctx := context.Background()

	_, err := s.Start()
	require.NoError(t, err)
	res := s.ReclaimAll(ctx)
	require.Len(t, res, 1)
	require.Len(t, res[0].Owners, 1)
	assert.Equal(t, ports.ActionSkipped, res[0].Owners[0].Action)
	assert.Empty(t, f.killer.killed)
}

// forkingBackend leaves the listening to a worker it forks, the way packaged
// Python servers do, and records the worker's PID next to the executable.
const forkingBackend = "sleep 30 &\necho $! > \"$0.worker\"\necho ready\ntrap 'exit 0' TERM\nwhile :; do sleep 0.05; done\n"

func TestReclaimSparesWorkerOfSupervisedBackend(t *testing.T) {
	f := newFixture(t, forkingBackend)
	workerFile := f.cfg.Spec().Executable() + ".worker"
	worker := func() []int {
		data, err := os.ReadFile(workerFile)
		if err != nil {
			return nil
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return nil
		}
		return []int{pid}
	}
	s := f.supervisor(t, WithFinder(listenerFinder{listeners: worker}))
	ctx := context.Background()

	_, err := s.Start()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(worker()) == 1 }, 2*time.Second, 10*time.Millisecond)

	res := s.Reclaim(ctx, f.cfg.Ports.API)
	require.Len(t, res.Owners, 1)
	assert.Equal(t, worker()[0], res.Owners[0].PID)
	assert.Equal(t, ports.ActionSkipped, res.Owners[0].Action)
	assert.Contains(t, res.Owners[0].Reason, "child of supervised backend")
	assert.Empty(t, f.killer.killed)

	// once the backend is gone the same listener is fair game
	require.NoError(t, s.Stop(ctx))
	res = s.Reclaim(ctx, f.cfg.Ports.API)
	require.Len(t, res.Owners, 1)
	assert.Equal(t, ports.ActionKilled, res.Owners[0].Action)
}

func TestRestart_RelaunchesWithNewPID(t *testing.T) {
	f := newFixture(t, politeBackend)
	s := f.supervisor(t)
	ctx := context.Background()

	first, err := s.Launch(ctx)
	require.NoError(t, err)
	second, err := s.Restart(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, process.Running, s.proc.State())
	assert.Equal(t, 1, signals(s.Recent(0), "graceful"))
}

func TestLaunch_SecondCallIsNoop(t *testing.T) {
	f := newFixture(t, politeBackend)
	s := f.supervisor(t)
	ctx := context.Background()

	first, err := s.Launch(ctx)
	require.NoError(t, err)
	second, err := s.Launch(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.PID, second.PID)
	assert.True(t, second.Start.AlreadyRunning)
	assert.Empty(t, second.Reclaimed, "no reclaim while the backend is live")
}

func TestClose_IsIdempotentAndClosesNotifications(t *testing.T) {
	f := newFixture(t, politeBackend)
	s := f.supervisor(t)
	_, err := s.Launch(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, process.Stopped, s.proc.State())
	for range s.Notifications() {
	}

	logData, err := os.ReadFile(f.cfg.Log.Path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(logData), "Sent graceful stop signal"))
}

func TestNew_BadHistoryDSNDoesNotBlockSupervision(t *testing.T) {
	f := newFixture(t, politeBackend)
	f.cfg.History.Sinks = []string{"bogus://nowhere"}
	s := f.supervisor(t)
	_, err := s.Launch(context.Background())
	require.NoError(t, err)
}

func TestSweepSchedule_RemovesStaleSegmentsDuringRun(t *testing.T) {
	f := newFixture(t, "")
	f.cfg.Log.SweepSchedule = "@every 1s"
	s := f.supervisor(t)

	stale := s.Sink().Path() + ".1000"
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 50*time.Millisecond)
}
