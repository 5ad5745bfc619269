package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("backend")
	IncStart("backend")
	IncStop("backend")
	IncUnexpectedExit("backend")
	IncForcedKill("backend")
	ObserveReadyDuration("backend", 1.25)
	IncPortAction(8001, "killed")
	IncHealthAttempt("fail")
	IncLogRotation()
	RecordStateTransition("backend", "running", "stopping")
	SetState("backend", "running", []string{"running", "stopped"})

	if got := testutil.ToFloat64(backendStarts.WithLabelValues("backend")); got < 2 {
		t.Fatalf("starts = %v, want >= 2", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("backend", "stopped")); got != 0 {
		t.Fatalf("stopped gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("backend", "running")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"sidecar_backend_starts_total":           false,
		"sidecar_backend_unexpected_exits_total": false,
		"sidecar_backend_forced_kills_total":     false,
		"sidecar_ports_reclaim_actions_total":    false,
		"sidecar_health_attempts_total":          false,
		"sidecar_log_rotations_total":            false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncPortAction(3000, "none")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "sidecar_ports_reclaim_actions_total") {
		t.Fatalf("metrics output missing port actions")
	}
}

func TestResourceSampler_SelfPID(t *testing.T) {
	s := NewResourceSampler("self", ResourceConfig{Enabled: true})
	if err := s.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.SampleOnce(context.Background(), int32(os.Getpid()))
	got, ok := s.Latest()
	if !ok {
		t.Fatalf("expected a sample for our own pid")
	}
	if got.MemoryRSS == 0 || got.PID != int32(os.Getpid()) {
		t.Fatalf("unexpected sample %+v", got)
	}

	s.SampleOnce(context.Background(), 0)
	if _, ok := s.Latest(); ok {
		t.Fatalf("sample should be cleared when the backend is gone")
	}
}

func TestResourceSampler_DisabledIsInert(t *testing.T) {
	s := NewResourceSampler("off", ResourceConfig{})
	s.Start(context.Background(), func() int { return os.Getpid() })
	s.Stop()
	if _, ok := s.Latest(); ok {
		t.Fatalf("disabled sampler should not record")
	}
}
