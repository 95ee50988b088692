package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ecloud/dps-notifier/internal/domain/events"
)

// MockEventBus is a manual mock implementation of events.EventBus.
type MockEventBus struct {
	publishFunc func(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error
}

func (m *MockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.publishFunc(ctx, event, opts...)
}

func (m *MockEventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	return nil
}

func (m *MockEventBus) Close() error { return nil }

// MockDomainEvent is a manual mock implementation of events.DomainEvent.
type MockDomainEvent struct {
	eventType  events.EventType
	occurredAt time.Time
}

func (m *MockDomainEvent) EventType() events.EventType { return m.eventType }

func (m *MockDomainEvent) OccurredAt() time.Time { return m.occurredAt }

func TestDomainEventPublisher_PublishDomainEvent_Success(t *testing.T) {
	ctx := context.Background()
	event := &MockDomainEvent{
		eventType:  "test-event",
		occurredAt: time.Now(),
	}

	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			assert.Equal(t, event.EventType(), evt.Type)
			assert.Equal(t, event.OccurredAt(), evt.Timestamp)
			assert.Equal(t, event, evt.Payload)
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(ctx, event)
	assert.NoError(t, err)
}

func TestDomainEventPublisher_PublishDomainEvent_Error(t *testing.T) {
	ctx := context.Background()
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			return errors.New("publish failed")
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(ctx, event)
	assert.Error(t, err)
	assert.Equal(t, "publish failed", err.Error())
}

func TestDomainEventPublisher_PublishDomainEvent_MultipleOptions(t *testing.T) {
	ctx := context.Background()
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	var receivedOpts []events.PublishOption
	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			receivedOpts = opts
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(ctx, event,
		events.WithKey("42"),
		events.WithHeaders(map[string]string{"test-header": "test-value"}),
	)
	assert.NoError(t, err)

	params := events.ApplyPublishOptions(receivedOpts...)
	assert.Equal(t, "42", params.Key)
	assert.Equal(t, "test-value", params.Headers["test-header"])
}

func TestDomainEventPublisher_PublishDomainEvent_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			return ctx.Err()
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(ctx, event)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDomainEventPublisher_PublishDomainEvent_Concurrency(t *testing.T) {
	ctx := context.Background()
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	var publishCount atomic.Int32
	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			publishCount.Add(1)
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)

	var wg sync.WaitGroup
	const numGoroutines = 10
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, publisher.PublishDomainEvent(ctx, event))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(numGoroutines), publishCount.Load())
}
