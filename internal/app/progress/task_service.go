package progress

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// SubmitTaskCommand registers a task before its notifications arrive.
type SubmitTaskCommand struct {
	TaskID              int64
	TopologyName        string
	State               domain.TaskState
	ExpectedRecordCount int
	Incremental         bool
	Description         string
	SentTime            time.Time
}

// TaskService owns the task lifecycle paths that do not come from per-record
// notifications: submission, the expected size becoming known, externally
// driven state updates and the idempotent completion check.
type TaskService struct {
	tx        domain.Transactor
	tasks     domain.TaskRepository
	lifecycle *lifecycleNotifier

	now func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// NewTaskService creates a task service.
func NewTaskService(
	tx domain.Transactor,
	tasks domain.TaskRepository,
	publisher events.DomainEventPublisher,
	metrics NotifierMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *TaskService {
	logger = logger.With("component", "task_service")
	return &TaskService{
		tx:        tx,
		tasks:     tasks,
		lifecycle: &lifecycleNotifier{publisher: publisher, metrics: metrics, logger: logger},
		now:       time.Now,
		logger:    logger,
		tracer:    tracer,
	}
}

// SubmitTask creates the task row with zero counters. A zero state defaults
// to QUEUED and an unknown size is UnknownExpectedCount.
func (s *TaskService) SubmitTask(ctx context.Context, cmd SubmitTaskCommand) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.submit_task",
		trace.WithAttributes(
			attribute.Int64("task_id", cmd.TaskID),
			attribute.String("topology", cmd.TopologyName),
			attribute.Int("expected_record_count", cmd.ExpectedRecordCount),
		))
	defer span.End()

	sent := cmd.SentTime
	if sent.IsZero() {
		sent = s.now()
	}
	task, err := domain.NewTask(cmd.TaskID, cmd.TopologyName, cmd.State, cmd.ExpectedRecordCount, cmd.Incremental, cmd.Description, sent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task")
		return nil, err
	}

	if err := s.tasks.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create task")
		return nil, fmt.Errorf("failed to create task %d: %w", cmd.TaskID, err)
	}
	span.AddEvent("task_created")
	s.logger.Info(ctx, "task submitted",
		"task_id", task.ID(),
		"topology", task.TopologyName(),
		"state", task.State().String(),
		"expected", task.ExpectedRecordCount(),
	)

	return task, nil
}

// UpdateExpectedSize records the now-known record count and re-evaluates
// completion against the counters already accumulated, in the same
// transaction. It reports whether the task completed.
func (s *TaskService) UpdateExpectedSize(ctx context.Context, taskID int64, expected int) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.update_expected_size",
		trace.WithAttributes(
			attribute.Int64("task_id", taskID),
			attribute.Int("expected_record_count", expected),
		))
	defer span.End()

	var (
		task *domain.Task
		from domain.TaskState
		done bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		var err error
		if task, err = repos.Tasks.GetTaskForUpdate(ctx, taskID); err != nil {
			return err
		}
		if err := task.SetExpectedRecordCount(expected); err != nil {
			return err
		}
		if err := repos.Tasks.UpdateTask(ctx, task); err != nil {
			return err
		}
		from = task.State()
		done, err = s.completeLocked(ctx, repos, task)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update expected size")
		return false, fmt.Errorf("failed to update expected size of task %d: %w", taskID, err)
	}
	span.AddEvent("expected_size_updated")

	if done {
		s.lifecycle.taskCompleted(ctx, task, from, s.now())
	}
	return done, nil
}

// UpdateTaskInfo applies an externally driven state change with its free
// text and start time. Moving a task out of a terminal state is rejected
// with ErrInvalidTransition.
func (s *TaskService) UpdateTaskInfo(
	ctx context.Context,
	taskID int64,
	state domain.TaskState,
	info string,
	startTime time.Time,
) error {
	ctx, span := s.tracer.Start(ctx, "task_service.update_task_info",
		trace.WithAttributes(
			attribute.Int64("task_id", taskID),
			attribute.String("state", state.String()),
		))
	defer span.End()

	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		task, err := repos.Tasks.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if err := task.UpdateInfo(state, info, startTime, s.now()); err != nil {
			return err
		}
		return repos.Tasks.UpdateTask(ctx, task)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update task info")
		return fmt.Errorf("failed to update info of task %d: %w", taskID, err)
	}
	span.AddEvent("task_info_updated")
	s.logger.Info(ctx, "task info updated", "task_id", taskID, "state", state.String())

	return nil
}

// CompleteIfDone transitions the task when it is complete and not yet
// terminal. Calling it on a finished or incomplete task is a no-op.
func (s *TaskService) CompleteIfDone(ctx context.Context, taskID int64) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.complete_if_done",
		trace.WithAttributes(attribute.Int64("task_id", taskID)))
	defer span.End()

	var (
		task *domain.Task
		from domain.TaskState
		done bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		var err error
		if task, err = repos.Tasks.GetTaskForUpdate(ctx, taskID); err != nil {
			return err
		}
		from = task.State()
		done, err = s.completeLocked(ctx, repos, task)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion check failed")
		return false, fmt.Errorf("completion check of task %d failed: %w", taskID, err)
	}

	if done {
		span.AddEvent("task_completed")
		s.lifecycle.taskCompleted(ctx, task, from, s.now())
	}
	return done, nil
}

// completeLocked runs with the task row locked and mutates task to mirror
// what it wrote.
func (s *TaskService) completeLocked(ctx context.Context, repos domain.Repositories, task *domain.Task) (bool, error) {
	if !task.IsComplete() {
		return false, nil
	}

	now := s.now()
	target := task.CompletionState()
	changed, err := repos.Tasks.TransitionState(ctx, task.ID(), target, "", now)
	if err != nil || !changed {
		return false, err
	}
	return true, task.Transition(target, "", now)
}
