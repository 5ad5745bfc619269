package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/events"
)

type memSink struct {
	mu     sync.Mutex
	got    []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func (m *memSink) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.got...)
}

func TestFromBus_FiltersAndMaps(t *testing.T) {
	_, ok := FromBus("b", events.Event{Type: events.BackendOutput, Message: "hello"})
	assert.False(t, ok, "output lines are not journaled")

	he, ok := FromBus("b", events.Event{
		Type:    events.BackendCrashed,
		Message: "Backend process exited unexpectedly with code 3",
		Payload: map[string]any{"pid": 42, "code": 3},
	})
	require.True(t, ok)
	assert.Equal(t, EventCrashed, he.Type)
	assert.Equal(t, Record{Name: "b", PID: 42, ExitCode: 3, Detail: "Backend process exited unexpectedly with code 3"}, he.Record)
	assert.False(t, he.OccurredAt.IsZero())

	he, ok = FromBus("b", events.Event{Type: events.BackendSignal, Payload: map[string]any{"pid": 7, "signal": "graceful"}})
	require.True(t, ok)
	assert.Equal(t, "graceful", he.Record.Detail)
}

func TestRecorder_AttachedToBus(t *testing.T) {
	bus := events.NewBus(nil)
	good := &memSink{}
	bad := &memSink{err: errors.New("down")}
	r := NewRecorder("backend", []Sink{bad, good}, nil)
	require.NoError(t, r.Attach(bus))

	ctx := context.Background()
	_ = bus.Publish(ctx, events.Event{Type: events.BackendOutput, Message: "noise"})
	_ = bus.Publish(ctx, events.Event{Type: events.BackendStarted, Payload: map[string]any{"pid": 10}})
	_ = bus.Publish(ctx, events.Event{Type: events.PortKilled, Payload: map[string]any{"pid": 9, "port": 8001}})

	require.Eventually(t, func() bool { return len(good.events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := good.events()
	assert.Equal(t, EventStarted, got[0].Type)
	assert.Equal(t, 8001, got[1].Record.Port)
	assert.Len(t, bad.events(), 2, "a failing sink does not stop the others")

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	require.NoError(t, bus.Close())
}

func TestRecorder_NoSinksIsInert(t *testing.T) {
	bus := events.NewBus(nil)
	r := NewRecorder("backend", nil, nil)
	require.NoError(t, r.Attach(bus))
	require.NoError(t, r.Close())
	require.NoError(t, bus.Close())
}
