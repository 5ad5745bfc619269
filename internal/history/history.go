// Package history journals backend lifecycle events to external stores for
// later analysis. It is fed from the event bus and never blocks supervision.
package history

import (
	"context"
	"time"

	"github.com/loykin/sidecar/internal/events"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted      EventType = "started"
	EventStartFailed  EventType = "start_failed"
	EventExited       EventType = "exited"
	EventCrashed      EventType = "crashed"
	EventSignal       EventType = "signal"
	EventPortKilled   EventType = "port_killed"
	EventHealthReady  EventType = "health_ready"
	EventHealthFailed EventType = "health_failed"
)

// Record is the backend snapshot carried by an Event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Port     int    `json:"port,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

var busTypes = map[string]EventType{
	events.BackendStarted:     EventStarted,
	events.BackendStartFailed: EventStartFailed,
	events.BackendExited:      EventExited,
	events.BackendCrashed:     EventCrashed,
	events.BackendSignal:      EventSignal,
	events.PortKilled:         EventPortKilled,
	events.HealthReady:        EventHealthReady,
	events.HealthFailed:       EventHealthFailed,
}

// FromBus converts a bus event for backend name into a journal entry. Output
// lines and other chatter are not journaled.
func FromBus(name string, e events.Event) (Event, bool) {
	typ, ok := busTypes[e.Type]
	if !ok {
		return Event{}, false
	}
	rec := Record{
		Name:   name,
		PID:    e.Int("pid"),
		Port:   e.Int("port"),
		Detail: e.Message,
	}
	if typ == EventExited || typ == EventCrashed {
		rec.ExitCode = e.Int("code")
	}
	if s := e.Str("signal"); typ == EventSignal && s != "" {
		rec.Detail = s
	}
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return Event{Type: typ, OccurredAt: at.UTC(), Record: rec}, true
}
