// Package events is the supervisor's notification channel. Components publish
// lifecycle events centrally and subscribers (log sink, metrics, history, the UI
// shell) react independently.
package events

import (
	"context"
	"time"
)

// Event is an immutable notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler processes a received event.
type Handler func(ctx context.Context, e Event)

// SubscriptionID identifies a subscription.
type SubscriptionID string

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Event types.
const (
	BackendStarting     = "backend.starting"
	BackendStarted      = "backend.started"
	BackendStartSkipped = "backend.start_skipped"
	BackendStartFailed  = "backend.start_failed"
	BackendOutput       = "backend.output"
	BackendSignal       = "backend.signal"
	BackendStopping     = "backend.stopping"
	BackendExited       = "backend.exited"
	BackendCrashed      = "backend.crashed"
	BackendStopFailed   = "backend.stop_failed"
	BackendStopSkipped  = "backend.stop_skipped"

	PortKilled  = "port.killed"
	PortSkipped = "port.skipped"
	PortNone    = "port.none"

	HealthAttempt = "health.attempt"
	HealthReady   = "health.ready"
	HealthFailed  = "health.failed"

	BinaryChanged = "binary.changed"
)

// Sources.
const (
	SourceSupervisor = "Supervisor"
	SourceBackend    = "Backend"
)

// Str returns payload[key] as a string, or "".
func (e Event) Str(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Int returns payload[key] as an int, or 0.
func (e Event) Int(key string) int {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Nop discards everything; handy as a default Publisher.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
