package progress

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// lifecycleNotifier announces completed tasks. The transition is already
// committed when it runs, so a failed publish is logged and counted and
// never reported to the caller.
type lifecycleNotifier struct {
	publisher events.DomainEventPublisher
	metrics   NotifierMetrics
	logger    *logger.Logger
}

func (l *lifecycleNotifier) taskCompleted(ctx context.Context, task *domain.Task, from domain.TaskState, at time.Time) {
	span := trace.SpanFromContext(ctx)
	l.metrics.IncTasksCompleted(ctx, task.State())

	evt := domain.NewTaskStateChangedEvent(task, from, at)
	err := l.publisher.PublishDomainEvent(ctx, evt, events.WithKey(domain.TaskKey(task.ID())))
	if err != nil {
		span.RecordError(err)
		l.metrics.IncLifecyclePublishErrors(ctx)
		l.logger.Error(ctx, "failed to publish task state change",
			"task_id", task.ID(),
			"from", from.String(),
			"to", task.State().String(),
			"error", err,
		)
		return
	}

	span.AddEvent("task_state_change_published", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", task.State().String()),
	))
	l.logger.Info(ctx, "task completed",
		"task_id", task.ID(),
		"state", task.State().String(),
		"total_handled", task.TotalHandled(),
		"expected", task.ExpectedRecordCount(),
	)
}
