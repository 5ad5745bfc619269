package process

import (
	"context"
	"sync"

	"github.com/loykin/sidecar/internal/events"
)

// recorder is an in-memory Publisher for assertions.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) signals(kind string) int {
	n := 0
	for _, e := range r.all(events.BackendSignal) {
		if e.Str("signal") == kind {
			n++
		}
	}
	return n
}

func (r *recorder) output(stream string) []string {
	var out []string
	for _, e := range r.all(events.BackendOutput) {
		if e.Str("stream") == stream {
			out = append(out, e.Message)
		}
	}
	return out
}
