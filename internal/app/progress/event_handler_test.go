package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

type ackRecorder struct {
	calls int
	err   error
}

func (a *ackRecorder) ack(err error) {
	a.calls++
	a.err = err
}

func newTestEventHandler(h *harness) *EventHandler {
	return NewEventHandler(h.processor, h.tasks, logger.Noop(), tracenoop.NewTracerProvider().Tracer("test"))
}

func envelope(payload events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: payload.EventType(), Payload: payload, Timestamp: time.Now()}
}

func TestEventHandler_TaskLifecycleOverTheBus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	handler := newTestEventHandler(h)
	ctx := context.Background()
	now := time.Now()

	steps := []events.DomainEvent{
		domain.NewTaskSubmittedEvent(1, "indexing", domain.TaskStateQueued, domain.UnknownExpectedCount, false, "", now),
		domain.NewTaskSubmittedEvent(1, "indexing", domain.TaskStateQueued, domain.UnknownExpectedCount, false, "", now),
		domain.NewTaskInfoUpdatedEvent(1, domain.TaskStateCurrentlyProcessing, "started", now, now),
		notification(1, "a"),
		notification(1, "b"),
		domain.NewTaskExpectedSizeUpdatedEvent(1, 2, now),
	}
	for _, step := range steps {
		var rec ackRecorder
		require.NoError(t, handler.HandleEvent(ctx, envelope(step), rec.ack), "%T", step)
		assert.Equal(t, 1, rec.calls)
		assert.NoError(t, rec.err)
	}

	task := h.task(t, 1)
	assert.Equal(t, 2, task.Counters().Processed)
	assert.Equal(t, domain.TaskStateProcessed, task.State())
}

func TestEventHandler_ClassifiesFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	handler := newTestEventHandler(h)
	now := time.Now()
	h.submit(t, 1, 1, false)
	require.NoError(t, h.tasks.UpdateTaskInfo(context.Background(), 1, domain.TaskStateDropped, "", time.Time{}))

	tests := []struct {
		name      string
		env       events.EventEnvelope
		permanent bool
		wantErr   error
	}{
		{
			name:      "unknown task",
			env:       envelope(notification(99, "a")),
			permanent: true,
			wantErr:   domain.ErrTaskNotFound,
		},
		{
			name:      "invalid notification",
			env:       envelope(notification(1, " ")),
			permanent: true,
			wantErr:   domain.ErrInvalidNotification,
		},
		{
			name:      "leaving a terminal state",
			env:       envelope(domain.NewTaskInfoUpdatedEvent(1, domain.TaskStateCurrentlyProcessing, "", now, now)),
			permanent: true,
			wantErr:   domain.ErrInvalidTransition,
		},
		{
			name:      "wrong payload type",
			env:       events.EventEnvelope{Type: domain.EventTypeNotificationReceived, Payload: "raw"},
			permanent: true,
			wantErr:   domain.ErrInvalidNotification,
		},
		{
			name:      "unsupported type",
			env:       events.EventEnvelope{Type: domain.EventTypeTaskStateChanged},
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var rec ackRecorder
			err := handler.HandleEvent(context.Background(), tt.env, rec.ack)
			require.Error(t, err)
			assert.Zero(t, rec.calls, "failed events are never acked")

			var perm *events.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEventHandler_SupportedEvents(t *testing.T) {
	t.Parallel()
	handler := newTestEventHandler(newHarness(t))

	assert.ElementsMatch(t, []events.EventType{
		domain.EventTypeNotificationReceived,
		domain.EventTypeTaskSubmitted,
		domain.EventTypeTaskExpectedSizeUpdated,
		domain.EventTypeTaskInfoUpdated,
	}, handler.SupportedEvents())
}
