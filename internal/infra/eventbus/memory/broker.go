// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for tests and
// single-process deployments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sparkai/dispatch/internal/domain/events"
)

// DefaultBufferSize is the per-subscriber outbound queue length.
const DefaultBufferSize = 256

var _ events.EventBus = (*Broker)(nil)

type subscription struct {
	types map[events.EventType]struct{}
	ch    chan events.EventEnvelope
}

// Broker is an in-process events.EventBus. Each subscriber consumes from its
// own bounded buffer on a dedicated goroutine, so a slow handler never stalls
// a publisher: when a buffer is full the oldest pending event is dropped to
// make room.
type Broker struct {
	mu      sync.RWMutex
	subs    []*subscription
	bufSize int
	closed  bool
}

// BrokerOption configures optional Broker behavior.
type BrokerOption func(*Broker)

// WithBufferSize overrides the per-subscriber buffer length.
func WithBufferSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// NewBroker creates an empty in-memory broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{bufSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues the event for every subscriber registered for its type.
// Delivery is asynchronous; a full subscriber buffer sheds its oldest event.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("broker is closed")
	}

	for _, sub := range b.subs {
		if _, ok := sub.types[event.Type]; !ok {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: shed the oldest pending event, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a handler for the given event types. The handler runs
// on its own goroutine until ctx is canceled or the broker closes.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = struct{}{}
	}
	sub := &subscription{types: types, ch: make(chan events.EventEnvelope, b.bufSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker is closed")
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer b.remove(sub)
		ack := func(error) {}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.ch:
				if !ok {
					return
				}
				// Handler errors are the subscriber's concern; delivery
				// continues.
				_ = handler(ctx, evt, ack)
			}
		}
	}()

	return nil
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close drops all subscriptions and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}
