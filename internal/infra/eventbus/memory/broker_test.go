package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

func sizeUpdate(taskID int64, expected int) events.EventEnvelope {
	evt := progress.NewTaskExpectedSizeUpdatedEvent(taskID, expected, time.Now().UTC().Truncate(time.Millisecond))
	return events.EventEnvelope{Type: evt.EventType(), Payload: evt}
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	var got []events.EventEnvelope
	err := bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
		func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			got = append(got, evt)
			ack(nil)
			return nil
		})
	require.NoError(t, err)

	env := sizeUpdate(4, 12)
	require.NoError(t, bus.Publish(ctx, env, events.WithKey(progress.TaskKey(4))))

	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].Key)
	assert.Equal(t, env.Payload, got[0].Payload, "payload survives the wire codec")
}

func TestPublish_OnlyMatchingTypes(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskSubmitted},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			calls.Add(1)
			return nil
		}))

	require.NoError(t, bus.Publish(ctx, sizeUpdate(1, 1)))
	assert.Zero(t, calls.Load())
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	const subscriberCount = 3
	var calls atomic.Int32
	for range subscriberCount {
		require.NoError(t, bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
			func(context.Context, events.EventEnvelope, events.AckFunc) error {
				calls.Add(1)
				return nil
			}))
	}

	require.NoError(t, bus.Publish(ctx, sizeUpdate(1, 1)))
	assert.Equal(t, int32(subscriberCount), calls.Load())
}

func TestTransientErrorsAreRedelivered(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()
	transient := errors.New("database unavailable")

	var calls int
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		}))
	require.NoError(t, bus.Publish(ctx, sizeUpdate(1, 1)))
	assert.Equal(t, 3, calls)

	calls = -100
	err := bus.Publish(ctx, sizeUpdate(1, 1))
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, -100+DefaultRedeliveries+1, calls)
}

func TestPermanentErrorsAreDeadLettered(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	var calls int
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			calls++
			return events.Permanent(progress.ErrTaskNotFound)
		}))

	require.NoError(t, bus.Publish(ctx, sizeUpdate(99, 1)))
	assert.Equal(t, 1, calls)

	dead := bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.ErrorIs(t, dead[0].Err, progress.ErrTaskNotFound)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()
	const (
		eventCount      = 100
		subscriberCount = 5
	)

	var calls atomic.Int32
	for range subscriberCount {
		require.NoError(t, bus.Subscribe(ctx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
			func(context.Context, events.EventEnvelope, events.AckFunc) error {
				calls.Add(1)
				return nil
			}))
	}

	var wg sync.WaitGroup
	for i := range eventCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Publish(ctx, sizeUpdate(int64(i+1), i)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(eventCount*subscriberCount), calls.Load())
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	subCtx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(subCtx, []events.EventType{progress.EventTypeTaskExpectedSizeUpdated},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			calls.Add(1)
			return nil
		}))
	cancel()

	assert.Eventually(t, func() bool {
		before := calls.Load()
		_ = bus.Publish(context.Background(), sizeUpdate(1, 1))
		return calls.Load() == before
	}, time.Second, 10*time.Millisecond)
}

func TestContextCancellationAndClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Publish(ctx, sizeUpdate(1, 1)), context.Canceled)
	assert.ErrorIs(t, bus.Subscribe(ctx, nil, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		return nil
	}), context.Canceled)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), sizeUpdate(1, 1)), ErrBusClosed)
}
