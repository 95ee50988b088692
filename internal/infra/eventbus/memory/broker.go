// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent bus suitable for testing and
// development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/serialization"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// DefaultRedeliveries is how often a transiently failing handler is retried.
const DefaultRedeliveries = 3

// DeadLetter is an envelope a handler rejected permanently.
type DeadLetter struct {
	Envelope events.EventEnvelope
	Err      error
}

type subscription struct {
	id      uint64
	handler events.HandlerFunc
}

var _ events.EventBus = (*Bus)(nil)

// Bus provides an in-memory implementation of the events.EventBus interface.
// Delivery is synchronous: Publish returns after every subscribed handler
// has either acknowledged the envelope, rejected it permanently or run out
// of redeliveries. Payloads pass through the wire codec, so handlers see
// exactly what a Kafka consumer would decode.
type Bus struct {
	mu sync.RWMutex

	nextID       uint64
	handlers     map[events.EventType][]subscription
	deadLetters  []DeadLetter
	redeliveries int
	closed       bool

	logger *logger.Logger
}

// NewBus creates and initializes a new in-memory event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		handlers:     make(map[events.EventType][]subscription),
		redeliveries: DefaultRedeliveries,
		logger:       log.With("component", "memory_event_bus"),
	}
}

// Subscribe registers handler for eventTypes until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.nextID++
	sub := subscription{id: b.nextID, handler: handler}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], sub)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub.id)
	}()

	return nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for et, subs := range b.handlers {
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		b.handlers[et] = kept
	}
}

// Publish delivers the envelope to every handler subscribed to its type,
// stopping at the first handler that keeps failing.
func (b *Bus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyPublishOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	data, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}
	_, payload, err := serialization.DeserializeEventEnvelope(data)
	if err != nil {
		return fmt.Errorf("failed to decode payload for event %s: %w", event.Type, err)
	}
	event.Payload = payload

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	// Copy handlers to avoid holding the lock while executing them.
	subs := make([]subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	redeliveries := b.redeliveries
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.deliver(ctx, sub.handler, event, redeliveries); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, handler events.HandlerFunc, event events.EventEnvelope, redeliveries int) error {
	var err error
	for attempt := 0; attempt <= redeliveries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = handler(ctx, event, func(error) {})
		if err == nil {
			return nil
		}

		var perr *events.PermanentError
		if errors.As(err, &perr) {
			b.logger.Warn(ctx, "Handler rejected event", "event_type", event.Type, "key", event.Key, "error", err)
			b.mu.Lock()
			b.deadLetters = append(b.deadLetters, DeadLetter{Envelope: event, Err: err})
			b.mu.Unlock()
			return nil
		}
		b.logger.Debug(ctx, "Handler failed, redelivering", "event_type", event.Type, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("handler failed after %d deliveries: %w", redeliveries+1, err)
}

// DeadLetters returns a copy of the envelopes rejected so far.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// Close stops accepting publishes and drops every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]subscription)
	return nil
}
