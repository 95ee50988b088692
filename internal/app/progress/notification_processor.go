package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// ProcessorConfig tunes the notification processor.
type ProcessorConfig struct {
	// CacheSize bounds the per-processor task snapshot cache.
	CacheSize int
	// ErrorDetailThreshold is the number of detail samples kept per error type.
	ErrorDetailThreshold int
	// MaxAdditionalInfoBytes bounds a stored error detail.
	MaxAdditionalInfoBytes int
}

// NotificationProcessor turns per-record notifications into task counters,
// error aggregates, notification log entries and, once every expected record
// was handled, a task completion.
//
// Each accepted notification is applied in one transaction: the dedupe mark,
// the counter increment, the error aggregate, the log entry and the state
// transition commit together or not at all. Redelivery after any failure is
// therefore safe.
type NotificationProcessor struct {
	tx    domain.Transactor
	repos domain.Repositories

	cache     *counterCache
	errors    *ErrorAggregator
	lifecycle *lifecycleNotifier
	metrics   NotifierMetrics

	now func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// NewNotificationProcessor creates a processor with an empty snapshot cache.
// repos serve the reads made outside a transaction.
func NewNotificationProcessor(
	tx domain.Transactor,
	repos domain.Repositories,
	publisher events.DomainEventPublisher,
	metrics NotifierMetrics,
	cfg ProcessorConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) *NotificationProcessor {
	logger = logger.With("component", "notification_processor")
	return &NotificationProcessor{
		tx:        tx,
		repos:     repos,
		cache:     newCounterCache(cfg.CacheSize),
		errors:    NewErrorAggregator(repos.Errors, cfg.ErrorDetailThreshold, cfg.MaxAdditionalInfoBytes),
		lifecycle: &lifecycleNotifier{publisher: publisher, metrics: metrics, logger: logger},
		metrics:   metrics,
		now:       time.Now,
		logger:    logger,
		tracer:    tracer,
	}
}

// handleResult is what the transactional part of Handle decided.
type handleResult struct {
	duplicate    bool
	task         *domain.Task
	detailStored bool
	transitioned bool
	from         domain.TaskState
}

// Handle applies one notification. Duplicates are absorbed and return nil.
// ErrTaskNotFound and ErrInvalidNotification are data errors that redelivery
// cannot fix; every other error is a storage failure and safe to retry.
// An event without an attempt number is treated as the first attempt.
func (p *NotificationProcessor) Handle(ctx context.Context, evt domain.NotificationEvent) error {
	if evt.Attempt == 0 {
		evt.Attempt = domain.FirstAttempt
	}
	logr := logger.NewLoggerContext(p.logger.With(
		"operation", "handle_notification",
		"task_id", evt.TaskID,
		"record_id", evt.RecordID,
		"attempt", evt.Attempt,
	))
	ctx, span := p.tracer.Start(ctx, "notification_processor.handle",
		trace.WithAttributes(
			attribute.Int64("task_id", evt.TaskID),
			attribute.String("record_id", evt.RecordID),
			attribute.Int("attempt", evt.Attempt),
			attribute.String("outcome", string(evt.Outcome)),
		))
	defer span.End()

	if err := evt.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid notification")
		return err
	}

	return p.metrics.TrackHandle(ctx, func() error {
		if _, err := p.lookupTask(ctx, evt.TaskID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "task lookup failed")
			if errors.Is(err, domain.ErrTaskNotFound) {
				logr.Warn(ctx, "notification for unknown task")
			}
			return err
		}
		span.AddEvent("task_found")

		seen, err := p.RecordSeen(ctx, evt.TaskID, evt.RecordID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dedupe lookup failed")
			return fmt.Errorf("failed to look up record %s: %w", evt.RecordID, err)
		}
		if domain.Decide(seen, evt.Attempt) == domain.DedupeSkip {
			span.AddEvent("duplicate_skipped")
			return p.absorbDuplicate(ctx, logr, evt)
		}

		delta := domain.Classify(evt)
		span.SetAttributes(
			attribute.Int("delta.processed", delta.Processed),
			attribute.Int("delta.ignored", delta.Ignored),
			attribute.Int("delta.deleted", delta.Deleted),
		)

		var res handleResult
		err = p.tx.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			var err error
			res, err = p.apply(ctx, repos, evt, delta)
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				p.cache.invalidate(evt.TaskID)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to apply notification")
			return fmt.Errorf("failed to apply notification for task %d: %w", evt.TaskID, err)
		}

		if res.duplicate {
			span.AddEvent("duplicate_absorbed")
			p.metrics.IncDuplicates(ctx)
			logr.Debug(ctx, "duplicate notification absorbed")
			return nil
		}

		p.cache.put(res.task)
		p.metrics.IncNotificationsCounted(ctx, delta)
		if evt.IsError() {
			p.metrics.IncErrorsRecorded(ctx, res.detailStored)
		}
		logr.Add("total_handled", res.task.TotalHandled(), "expected", res.task.ExpectedRecordCount())
		logr.Debug(ctx, "notification counted")

		if res.transitioned {
			span.AddEvent("task_completed", trace.WithAttributes(
				attribute.String("state", res.task.State().String()),
			))
			p.lifecycle.taskCompleted(ctx, res.task, res.from, p.now())
		}

		span.SetStatus(codes.Ok, "notification applied")
		return nil
	})
}

// RecordSeen returns the ledger entry of the record, or nil if the record
// was never marked.
func (p *NotificationProcessor) RecordSeen(ctx context.Context, taskID int64, recordID string) (*domain.ProcessedRecord, error) {
	rec, err := p.repos.Records.Find(ctx, taskID, recordID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

// lookupTask answers from the snapshot cache and falls back to storage.
func (p *NotificationProcessor) lookupTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	if task, ok := p.cache.get(taskID); ok {
		p.metrics.ObserveCacheLookup(ctx, true)
		return task, nil
	}
	p.metrics.ObserveCacheLookup(ctx, false)

	task, err := p.repos.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.cache.put(task)
	return task, nil
}

func (p *NotificationProcessor) absorbDuplicate(ctx context.Context, logr *logger.LoggerContext, evt domain.NotificationEvent) error {
	p.metrics.IncDuplicates(ctx)
	if err := p.repos.Tasks.TouchLastRecordFinished(ctx, evt.TaskID, p.now()); err != nil {
		return fmt.Errorf("failed to touch task %d: %w", evt.TaskID, err)
	}
	logr.Debug(ctx, "duplicate notification skipped")
	return nil
}

// apply runs inside the transaction. A record that turns out not to be new,
// because a concurrent delivery marked it first, only refreshes the ledger.
func (p *NotificationProcessor) apply(
	ctx context.Context,
	repos domain.Repositories,
	evt domain.NotificationEvent,
	delta domain.CounterDelta,
) (handleResult, error) {
	now := p.now()

	rec := domain.NewProcessedRecord(evt.TaskID, evt.RecordID, evt.Attempt, evt.RecordState(), evt.WorkerID, now)
	wasNew, err := repos.Records.MarkProcessed(ctx, rec)
	if err != nil {
		return handleResult{}, fmt.Errorf("failed to mark record processed: %w", err)
	}
	if !wasNew {
		if err := repos.Tasks.TouchLastRecordFinished(ctx, evt.TaskID, now); err != nil {
			return handleResult{}, fmt.Errorf("failed to touch task: %w", err)
		}
		return handleResult{duplicate: true}, nil
	}

	task, err := repos.Tasks.ApplyCounterDelta(ctx, evt.TaskID, delta)
	if err != nil {
		return handleResult{}, fmt.Errorf("failed to apply counter delta: %w", err)
	}
	res := handleResult{task: task}

	if evt.IsError() {
		stored, err := p.errors.bind(repos.Errors).RecordError(ctx, evt.TaskID, evt.ErrorMessage(), evt.RecordID, evt.ErrorDetails())
		if err != nil {
			return handleResult{}, err
		}
		res.detailStored = stored
	}

	entry := domain.NewNotification(evt, task.TotalHandled(), task.TopologyName(), now)
	if err := repos.Notifications.AppendNotification(ctx, entry); err != nil {
		return handleResult{}, fmt.Errorf("failed to append notification: %w", err)
	}

	if task.IsComplete() {
		from := task.State()
		target := task.CompletionState()
		changed, err := repos.Tasks.TransitionState(ctx, task.ID(), target, "", now)
		if err != nil {
			return handleResult{}, fmt.Errorf("failed to transition task: %w", err)
		}
		if changed {
			if err := task.Transition(target, "", now); err != nil {
				return handleResult{}, err
			}
			res.transitioned = true
			res.from = from
		}
	}

	if err := repos.Tasks.TouchLastRecordFinished(ctx, task.ID(), now); err != nil {
		return handleResult{}, fmt.Errorf("failed to touch task: %w", err)
	}
	task.TouchLastRecordFinished(now)

	return res, nil
}
