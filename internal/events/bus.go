package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSubscriptionNotFound is returned when unsubscribing with an unknown ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Bus is an in-memory event bus.
//
// Synchronous subscribers run inline in Publish, in publish order, which is
// what the log sink relies on to keep backend output ordered. Async subscribers
// get a buffered channel and lose events when it is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscription
	order  []SubscriptionID
	closed atomic.Bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

type subscription struct {
	id      SubscriptionID
	pattern string
	handler Handler
	async   bool
	ch      chan Event
	stopCh  chan struct{}
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[SubscriptionID]*subscription), log: log}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !Match(sub.pattern, e.Type) {
			continue
		}
		if sub.async {
			select {
			case sub.ch <- e:
			case <-sub.stopCh:
			default:
				b.log.Warn("event dropped, subscriber buffer full", "type", e.Type, "subscription", sub.id)
			}
			continue
		}
		b.call(ctx, sub.handler, e)
	}
	return nil
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", "type", e.Type, "panic", r)
		}
	}()
	h(ctx, e)
}

// Subscribe registers a synchronous handler for events matching pattern.
func (b *Bus) Subscribe(pattern string, h Handler) (SubscriptionID, error) {
	return b.add(&subscription{pattern: pattern, handler: h})
}

// SubscribeAsync registers a handler that runs on its own goroutine, fed by a
// channel of bufferSize events (100 when <= 0).
func (b *Bus) SubscribeAsync(pattern string, h Handler, bufferSize int) (SubscriptionID, error) {
	return b.subscribeAsync(pattern, h, bufferSize, nil)
}

// Channel subscribes a buffered channel. Events that do not fit are dropped.
// The channel is closed on Unsubscribe or Close.
func (b *Bus) Channel(pattern string, bufferSize int) (<-chan Event, SubscriptionID, error) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	out := make(chan Event, bufferSize)
	id, err := b.subscribeAsync(pattern, func(_ context.Context, e Event) {
		select {
		case out <- e:
		default:
			b.log.Warn("notification dropped", "type", e.Type)
		}
	}, bufferSize, func() { close(out) })
	if err != nil {
		return nil, "", err
	}
	return out, id, nil
}

func (b *Bus) subscribeAsync(pattern string, h Handler, bufferSize int, onDone func()) (SubscriptionID, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	sub := &subscription{
		pattern: pattern,
		handler: h,
		async:   true,
		ch:      make(chan Event, bufferSize),
		stopCh:  make(chan struct{}),
	}
	id, err := b.add(sub)
	if err != nil {
		return "", err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if onDone != nil {
			defer onDone()
		}
		for {
			select {
			case <-sub.stopCh:
				// drain what was already queued
				for {
					select {
					case e := <-sub.ch:
						b.call(context.Background(), h, e)
					default:
						return
					}
				}
			case e := <-sub.ch:
				b.call(context.Background(), h, e)
			}
		}
	}()
	return id, nil
}

func (b *Bus) add(sub *subscription) (SubscriptionID, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	sub.id = SubscriptionID(uuid.NewString())
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.mu.Unlock()
	return sub.id, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if sub.async {
		close(sub.stopCh)
	}
	return nil
}

// Close stops all async subscribers after they drain their queues.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[SubscriptionID]*subscription)
	b.order = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.async {
			close(sub.stopCh)
		}
	}
	b.wg.Wait()
	return nil
}

// Match reports whether typ matches pattern. Supported patterns are "*",
// an exact type, and "prefix.*".
func Match(pattern, typ string) bool {
	switch {
	case pattern == "*" || pattern == "":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(typ, pattern[:len(pattern)-1])
	default:
		return pattern == typ
	}
}
