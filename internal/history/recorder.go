package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/sidecar/internal/events"
)

// Subscriber is the part of the event bus the recorder attaches to.
type Subscriber interface {
	SubscribeAsync(pattern string, h events.Handler, bufferSize int) (events.SubscriptionID, error)
	Unsubscribe(id events.SubscriptionID) error
}

const (
	recorderBuffer = 256
	sendTimeout    = 5 * time.Second
)

// Recorder fans journaled bus events out to every configured sink.
type Recorder struct {
	name  string
	sinks []Sink
	log   *slog.Logger

	bus Subscriber
	sub events.SubscriptionID
}

func NewRecorder(name string, sinks []Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{name: name, sinks: sinks, log: log}
}

// Attach subscribes the recorder asynchronously so slow sinks never stall publishers.
func (r *Recorder) Attach(bus Subscriber) error {
	if len(r.sinks) == 0 {
		return nil
	}
	id, err := bus.SubscribeAsync("*", r.Handle, recorderBuffer)
	if err != nil {
		return err
	}
	r.bus, r.sub = bus, id
	return nil
}

// Handle journals e if it is a lifecycle event. Sink errors are logged, not returned.
func (r *Recorder) Handle(ctx context.Context, e events.Event) {
	he, ok := FromBus(r.name, e)
	if !ok {
		return
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		if err := s.Send(sctx, he); err != nil {
			r.log.Warn("history sink send failed", "type", he.Type, "error", err)
		}
		cancel()
	}
}

// Close detaches from the bus and closes sinks that hold resources.
func (r *Recorder) Close() error {
	var errs []error
	if r.bus != nil {
		// a closed bus has already dropped the subscription
		if err := r.bus.Unsubscribe(r.sub); err != nil && !errors.Is(err, events.ErrSubscriptionNotFound) {
			errs = append(errs, err)
		}
		r.bus = nil
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
