package progress

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/kafka"
)

// NotifierMetrics defines the metrics recorded by the notification pipeline.
type NotifierMetrics interface {
	// Messaging metrics
	kafka.EventBusMetrics

	// Notification metrics
	TrackHandle(ctx context.Context, f func() error) error
	IncNotificationsCounted(ctx context.Context, delta domain.CounterDelta)
	IncDuplicates(ctx context.Context)
	IncErrorsRecorded(ctx context.Context, detailStored bool)
	ObserveCacheLookup(ctx context.Context, hit bool)

	// Lifecycle metrics
	IncTasksCompleted(ctx context.Context, state domain.TaskState)
	IncLifecyclePublishErrors(ctx context.Context)

	// Reconciler metrics
	IncReconcilerRuns(ctx context.Context)
	IncReconcilerCompletions(ctx context.Context, n int)
}

type notifierMetrics struct {
	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	deadLettered      metric.Int64Counter

	// Notification metrics
	notificationsCounted metric.Int64Counter
	duplicates           metric.Int64Counter
	errorsRecorded       metric.Int64Counter
	detailsDropped       metric.Int64Counter
	cacheLookups         metric.Int64Counter
	inFlight             metric.Int64UpDownCounter
	handleDuration       metric.Float64Histogram

	// Lifecycle metrics
	tasksCompleted       metric.Int64Counter
	lifecyclePublishErrs metric.Int64Counter

	// Reconciler metrics
	reconcilerRuns        metric.Int64Counter
	reconcilerCompletions metric.Int64Counter
}

const namespace = "dps_notifier"

// NewNotifierMetrics creates the notifier instruments on mp.
func NewNotifierMetrics(mp metric.MeterProvider) (*notifierMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(notifierMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.deadLettered, err = meter.Int64Counter(
		"messages_dead_lettered_total",
		metric.WithDescription("Total number of messages routed to the dead letter topic"),
	); err != nil {
		return nil, err
	}

	if m.notificationsCounted, err = meter.Int64Counter(
		"notifications_counted_total",
		metric.WithDescription("Notifications counted, by disposition bucket"),
	); err != nil {
		return nil, err
	}

	if m.duplicates, err = meter.Int64Counter(
		"notifications_duplicate_total",
		metric.WithDescription("Notifications absorbed as duplicates"),
	); err != nil {
		return nil, err
	}

	if m.errorsRecorded, err = meter.Int64Counter(
		"errors_recorded_total",
		metric.WithDescription("Error occurrences aggregated"),
	); err != nil {
		return nil, err
	}

	if m.detailsDropped, err = meter.Int64Counter(
		"error_details_dropped_total",
		metric.WithDescription("Error occurrences counted without storing a detail sample"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"task_cache_lookups_total",
		metric.WithDescription("Task snapshot cache lookups, by result"),
	); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"notifications_in_flight",
		metric.WithDescription("Notifications currently being handled"),
	); err != nil {
		return nil, err
	}

	if m.handleDuration, err = meter.Float64Histogram(
		"notification_handle_duration_seconds",
		metric.WithDescription("Time spent handling one notification"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.tasksCompleted, err = meter.Int64Counter(
		"tasks_completed_total",
		metric.WithDescription("Tasks moved to a completion state, by target state"),
	); err != nil {
		return nil, err
	}

	if m.lifecyclePublishErrs, err = meter.Int64Counter(
		"lifecycle_publish_errors_total",
		metric.WithDescription("Task state change events that could not be published"),
	); err != nil {
		return nil, err
	}

	if m.reconcilerRuns, err = meter.Int64Counter(
		"reconciler_runs_total",
		metric.WithDescription("Completion reconciler sweeps executed"),
	); err != nil {
		return nil, err
	}

	if m.reconcilerCompletions, err = meter.Int64Counter(
		"reconciler_completions_total",
		metric.WithDescription("Tasks completed by the reconciler"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Kafka EventBusMetrics implementations
func (m *notifierMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *notifierMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *notifierMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *notifierMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *notifierMetrics) IncDeadLettered(ctx context.Context, topic string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *notifierMetrics) TrackHandle(ctx context.Context, f func() error) error {
	m.inFlight.Add(ctx, 1)
	defer m.inFlight.Add(ctx, -1)

	start := time.Now()
	err := f()
	m.handleDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("failed", err != nil)))
	return err
}

func (m *notifierMetrics) IncNotificationsCounted(ctx context.Context, d domain.CounterDelta) {
	var bucket string
	switch {
	case d.Deleted > 0:
		bucket = "deleted"
	case d.Ignored > 0:
		bucket = "ignored"
	default:
		bucket = "processed"
	}
	m.notificationsCounted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.Bool("error", d.ProcessedErrors+d.DeletedErrors > 0),
	))
}

func (m *notifierMetrics) IncDuplicates(ctx context.Context) { m.duplicates.Add(ctx, 1) }

func (m *notifierMetrics) IncErrorsRecorded(ctx context.Context, detailStored bool) {
	m.errorsRecorded.Add(ctx, 1)
	if !detailStored {
		m.detailsDropped.Add(ctx, 1)
	}
}

func (m *notifierMetrics) ObserveCacheLookup(ctx context.Context, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m *notifierMetrics) IncTasksCompleted(ctx context.Context, state domain.TaskState) {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *notifierMetrics) IncLifecyclePublishErrors(ctx context.Context) {
	m.lifecyclePublishErrs.Add(ctx, 1)
}

func (m *notifierMetrics) IncReconcilerRuns(ctx context.Context) { m.reconcilerRuns.Add(ctx, 1) }

func (m *notifierMetrics) IncReconcilerCompletions(ctx context.Context, n int) {
	m.reconcilerCompletions.Add(ctx, int64(n))
}
