package ports

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/events"
)

type fakeFinder struct {
	listeners map[int][]int
	cmdlines  map[int]string
	lookupErr error
}

func (f fakeFinder) Listeners(_ context.Context, port int) ([]int, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.listeners[port], nil
}

func (f fakeFinder) Cmdline(_ context.Context, pid int) (string, error) {
	c, ok := f.cmdlines[pid]
	if !ok {
		return "", errors.New("no such process")
	}
	return c, nil
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []int
	fail   map[int]error
}

func (k *fakeKiller) Kill(_ context.Context, pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail[pid]; err != nil {
		return err
	}
	k.killed = append(k.killed, pid)
	return nil
}

type captured struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *captured) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	c.evs = append(c.evs, e)
	c.mu.Unlock()
	return nil
}

func (c *captured) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.evs))
	for i, e := range c.evs {
		out[i] = e.Type
	}
	return out
}

func newTestReconciler(f Finder, k Killer, pub events.Publisher) *Reconciler {
	return NewReconciler(WithFinder(f), WithKiller(k), WithPublisher(pub), WithSelfPID(1))
}

func TestReclaim_KillsMatchingOwner(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {4242}},
		cmdlines:  map[int]string{4242: "/Applications/SmartSearch.app/Contents/Resources/backend/smartsearch-backend/smartsearch-backend"},
	}
	k := &fakeKiller{}
	pub := &captured{}

	res := newTestReconciler(f, k, pub).Reclaim(context.Background(), 8001)

	assert.Equal(t, []int{4242}, k.killed)
	assert.Equal(t, []int{4242}, res.Killed())
	assert.Equal(t, []string{events.PortKilled}, pub.types())
}

func TestReclaim_SkipsUnrelatedOwner(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {777}},
		cmdlines:  map[int]string{777: "python -m http.server 8001"},
	}
	k := &fakeKiller{}
	pub := &captured{}

	res := newTestReconciler(f, k, pub).Reclaim(context.Background(), 8001)

	assert.Empty(t, k.killed, "an unrelated process must never be killed")
	require.Len(t, res.Owners, 1)
	assert.Equal(t, ActionSkipped, res.Owners[0].Action)
	assert.Equal(t, "python -m http.server 8001", res.Owners[0].Cmdline)
	assert.Equal(t, []string{events.PortSkipped}, pub.types())
}

func TestReclaim_UnownedPortIsNothingToDo(t *testing.T) {
	k := &fakeKiller{}
	pub := &captured{}
	res := newTestReconciler(fakeFinder{}, k, pub).Reclaim(context.Background(), 3000)

	assert.Empty(t, k.killed)
	assert.Empty(t, res.Owners)
	assert.NoError(t, res.LookupErr)
	assert.Equal(t, []string{events.PortNone}, pub.types())
}

func TestReclaim_LookupFailureIsNotEscalated(t *testing.T) {
	k := &fakeKiller{}
	pub := &captured{}
	res := newTestReconciler(fakeFinder{lookupErr: errors.New("lsof: executable file not found")}, k, pub).
		Reclaim(context.Background(), 8001)

	assert.Error(t, res.LookupErr)
	assert.Empty(t, k.killed)
	assert.Equal(t, []string{events.PortNone}, pub.types())
	assert.Contains(t, pub.evs[0].Str("reason"), "lookup failed")
}

func TestReclaim_NeverKillsItself(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {1}},
		cmdlines:  map[int]string{1: "electron ."},
	}
	k := &fakeKiller{}
	res := newTestReconciler(f, k, &captured{}).Reclaim(context.Background(), 8001)
	assert.Empty(t, k.killed)
	assert.Equal(t, ActionSkipped, res.Owners[0].Action)
}

func TestReclaim_MixedOwnersAndDuplicates(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {10, 20, 10, 30}},
		cmdlines: map[int]string{
			10: "/usr/lib/Electron Helper --type=renderer",
			20: "nginx: worker process",
			// 30 vanished between lookups
		},
	}
	k := &fakeKiller{}
	res := newTestReconciler(f, k, &captured{}).Reclaim(context.Background(), 8001)

	assert.Equal(t, []int{10}, k.killed)
	require.Len(t, res.Owners, 3)
	assert.Equal(t, ActionSkipped, res.Owners[2].Action)
	assert.Contains(t, res.Owners[2].Reason, "command line unavailable")
}

func TestReclaim_KillFailureIsReported(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {55}},
		cmdlines:  map[int]string{55: "smartsearch-backend"},
	}
	k := &fakeKiller{fail: map[int]error{55: errors.New("operation not permitted")}}
	res := newTestReconciler(f, k, &captured{}).Reclaim(context.Background(), 8001)
	require.Len(t, res.Owners, 1)
	assert.Equal(t, ActionKillFailed, res.Owners[0].Action)
	assert.Empty(t, res.Killed())
}

func TestReclaim_CustomPattern(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{9000: {5}},
		cmdlines:  map[int]string{5: "my-api --port 9000"},
	}
	k := &fakeKiller{}
	r := NewReconciler(WithFinder(f), WithKiller(k), WithSelfPID(1), WithPattern(regexp.MustCompile(`^my-api\b`)))
	r.Reclaim(context.Background(), 9000)
	assert.Equal(t, []int{5}, k.killed)
}

func TestReclaimAll_ReturnsResultsInPortOrder(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {11}, 3000: {12}},
		cmdlines:  map[int]string{11: "smartsearch-backend", 12: "node vite --port 3000"},
	}
	k := &fakeKiller{}
	results := newTestReconciler(f, k, &captured{}).ReclaimAll(context.Background(), []int{8001, 3000})

	require.Len(t, results, 2)
	assert.Equal(t, 8001, results[0].Port)
	assert.Equal(t, []int{11}, results[0].Killed())
	assert.Equal(t, 3000, results[1].Port)
	assert.Empty(t, results[1].Killed())
}

func TestCompilePattern(t *testing.T) {
	re, err := CompilePattern("")
	require.NoError(t, err)
	assert.True(t, re.MatchString("SMARTSEARCH-BACKEND"))
	assert.True(t, re.MatchString("/opt/Electron"))
	assert.False(t, re.MatchString("postgres"))

	_, err = CompilePattern("(")
	assert.Error(t, err)
}

func TestReclaim_ProtectedPIDIsSkipped(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {4321}},
		cmdlines:  map[int]string{4321: "/opt/app/backend/smartsearch-backend/smartsearch-backend"},
	}
	k := &fakeKiller{}
	r := NewReconciler(WithFinder(f), WithKiller(k), WithPublisher(events.Nop{}), WithSelfPID(1),
		WithProtected(func() []int { return []int{4321} }))

	res := r.Reclaim(context.Background(), 8001)
	require.Len(t, res.Owners, 1)
	assert.Equal(t, ActionSkipped, res.Owners[0].Action)
	assert.Equal(t, "supervised backend", res.Owners[0].Reason)
	assert.Empty(t, k.killed)
}

func TestReclaim_DescendantOfProtectedPIDIsSkipped(t *testing.T) {
	const cmd = "/opt/app/backend/smartsearch-backend/smartsearch-backend"
	f := fakeFinder{
		listeners: map[int][]int{8001: {4322, 900}},
		cmdlines:  map[int]string{4322: cmd, 900: cmd},
	}
	k := &fakeKiller{}
	tree := map[int][]int{4322: {4321, 1200}, 900: {1200}}
	r := NewReconciler(WithFinder(f), WithKiller(k), WithPublisher(events.Nop{}), WithSelfPID(1),
		WithProtected(func() []int { return []int{4321} }),
		WithLineage(LineageFunc(func(_ context.Context, pid int) []int { return tree[pid] })))

	res := r.Reclaim(context.Background(), 8001)
	require.Len(t, res.Owners, 2)
	byPID := map[int]Outcome{}
	for _, o := range res.Owners {
		byPID[o.PID] = o
	}
	assert.Equal(t, ActionSkipped, byPID[4322].Action)
	assert.Equal(t, "child of supervised backend 4321", byPID[4322].Reason)
	assert.Equal(t, ActionKilled, byPID[900].Action)
	assert.Equal(t, []int{900}, k.killed)
}

func TestReclaim_LineageIgnoredWithoutRunningBackend(t *testing.T) {
	f := fakeFinder{
		listeners: map[int][]int{8001: {4322}},
		cmdlines:  map[int]string{4322: "smartsearch-backend"},
	}
	k := &fakeKiller{}
	lookups := 0
	r := NewReconciler(WithFinder(f), WithKiller(k), WithPublisher(events.Nop{}), WithSelfPID(1),
		WithProtected(func() []int { return nil }),
		WithLineage(LineageFunc(func(context.Context, int) []int { lookups++; return []int{4321} })))

	res := r.Reclaim(context.Background(), 8001)
	assert.Equal(t, []int{4322}, res.Killed())
	assert.Zero(t, lookups)
}
