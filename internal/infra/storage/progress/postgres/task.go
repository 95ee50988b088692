package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
)

var _ progress.TaskRepository = (*taskStore)(nil)

// taskStore persists task rows. Counters live on the task row itself so the
// row lock taken by ApplyCounterDelta orders every write to one task.
type taskStore struct {
	q      querier
	tracer trace.Tracer
}

const taskColumns = `id, topology_name, state, state_description, expected_record_count,
	processed_records, ignored_records, deleted_records, processed_errors, deleted_errors,
	incremental, sent_time, start_time, finish_time, last_record_finished_at`

func scanTask(row pgx.Row) (*progress.Task, error) {
	var (
		id                           int64
		topology, state, description string
		expected                     int
		c                            progress.TaskCounterSet
		incremental                  bool
		sent, start, finish, last    pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &topology, &state, &description, &expected,
		&c.Processed, &c.Ignored, &c.Deleted, &c.ProcessedErrors, &c.DeletedErrors,
		&incremental, &sent, &start, &finish, &last,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, progress.ErrTaskNotFound
		}
		return nil, err
	}

	st, err := progress.ParseTaskState(state)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}

	return progress.ReconstructTask(
		id, topology, st, expected, c, description, incremental,
		storage.TimeOf(sent), storage.TimeOf(start), storage.TimeOf(finish), storage.TimeOf(last),
	), nil
}

func stateStrings(states []progress.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// CreateTask inserts a new task row with zero counters.
func (s *taskStore) CreateTask(ctx context.Context, task *progress.Task) error {
	attrs := dbAttrs(
		attribute.Int64("task_id", task.ID()),
		attribute.String("topology", task.TopologyName()),
		attribute.String("state", task.State().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", attrs, func(ctx context.Context) error {
		_, err := s.q.Exec(ctx, `
			INSERT INTO tasks (
				id, topology_name, state, state_description, expected_record_count,
				incremental, sent_time, start_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			task.ID(),
			task.TopologyName(),
			string(task.State()),
			task.StateDescription(),
			task.ExpectedRecordCount(),
			task.Incremental(),
			storage.Timestamptz(task.SentTime()),
			storage.Timestamptz(task.StartTime()),
		)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return progress.ErrTaskAlreadyExists
			}
			return fmt.Errorf("CreateTask insert error: %w", err)
		}
		return nil
	})
}

// GetTask loads a task by id.
func (s *taskStore) GetTask(ctx context.Context, taskID int64) (*progress.Task, error) {
	var task *progress.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs(attribute.Int64("task_id", taskID)),
		func(ctx context.Context) error {
			var err error
			task, err = scanTask(s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
			if err != nil && !errors.Is(err, progress.ErrTaskNotFound) {
				return fmt.Errorf("GetTask query error: %w", err)
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTaskForUpdate loads a task and holds its row lock until the surrounding
// transaction ends.
func (s *taskStore) GetTaskForUpdate(ctx context.Context, taskID int64) (*progress.Task, error) {
	var task *progress.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task_for_update", dbAttrs(attribute.Int64("task_id", taskID)),
		func(ctx context.Context) error {
			var err error
			task, err = scanTask(s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
			if err != nil && !errors.Is(err, progress.ErrTaskNotFound) {
				return fmt.Errorf("GetTaskForUpdate query error: %w", err)
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// TaskExists reports whether the task exists for the topology.
func (s *taskStore) TaskExists(ctx context.Context, taskID int64, topologyName string) (bool, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.String("topology", topologyName))

	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task_exists", attrs, func(ctx context.Context) error {
		err := s.q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1 AND topology_name = $2)`,
			taskID, topologyName,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("TaskExists query error: %w", err)
		}
		return nil
	})
	return exists, err
}

// ApplyCounterDelta increments the counters in place, latches the incremental
// flag and returns the row as committed by this statement.
func (s *taskStore) ApplyCounterDelta(ctx context.Context, taskID int64, d progress.CounterDelta) (*progress.Task, error) {
	attrs := dbAttrs(
		attribute.Int64("task_id", taskID),
		attribute.Int("processed", d.Processed),
		attribute.Int("ignored", d.Ignored),
		attribute.Int("deleted", d.Deleted),
		attribute.Bool("incremental", d.Incremental),
	)

	var task *progress.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.apply_counter_delta", attrs, func(ctx context.Context) error {
		var err error
		task, err = scanTask(s.q.QueryRow(ctx, `
			UPDATE tasks SET
				processed_records = processed_records + $2,
				ignored_records = ignored_records + $3,
				deleted_records = deleted_records + $4,
				processed_errors = processed_errors + $5,
				deleted_errors = deleted_errors + $6,
				incremental = incremental OR $7,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+taskColumns,
			taskID, d.Processed, d.Ignored, d.Deleted, d.ProcessedErrors, d.DeletedErrors, d.Incremental,
		))
		if err != nil && !errors.Is(err, progress.ErrTaskNotFound) {
			return fmt.Errorf("ApplyCounterDelta update error: %w", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetCounters reads the current counters of a task.
func (s *taskStore) GetCounters(ctx context.Context, taskID int64) (progress.TaskCounterSet, error) {
	var c progress.TaskCounterSet
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_counters", dbAttrs(attribute.Int64("task_id", taskID)),
		func(ctx context.Context) error {
			err := s.q.QueryRow(ctx, `
				SELECT processed_records, ignored_records, deleted_records, processed_errors, deleted_errors
				FROM tasks WHERE id = $1`, taskID,
			).Scan(&c.Processed, &c.Ignored, &c.Deleted, &c.ProcessedErrors, &c.DeletedErrors)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return progress.ErrTaskNotFound
				}
				return fmt.Errorf("GetCounters query error: %w", err)
			}
			return nil
		})
	return c, err
}

// UpdateTask writes every mutable non-counter column.
func (s *taskStore) UpdateTask(ctx context.Context, task *progress.Task) error {
	attrs := dbAttrs(
		attribute.Int64("task_id", task.ID()),
		attribute.String("state", task.State().String()),
		attribute.Int("expected_record_count", task.ExpectedRecordCount()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_task", attrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		tag, err := s.q.Exec(ctx, `
			UPDATE tasks SET
				state = $2,
				state_description = $3,
				expected_record_count = $4,
				start_time = $5,
				finish_time = $6,
				last_record_finished_at = $7,
				updated_at = NOW()
			WHERE id = $1`,
			task.ID(),
			string(task.State()),
			task.StateDescription(),
			task.ExpectedRecordCount(),
			storage.Timestamptz(task.StartTime()),
			storage.Timestamptz(task.FinishTime()),
			storage.Timestamptz(task.LastRecordFinishedAt()),
		)
		if err != nil {
			return fmt.Errorf("UpdateTask query error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			span.SetAttributes(attribute.Bool("task_not_found", true))
			return progress.ErrTaskNotFound
		}
		return nil
	})
}

// TransitionState moves the task to target only when its current state
// allows it. A task already past that point is left untouched.
func (s *taskStore) TransitionState(
	ctx context.Context,
	taskID int64,
	target progress.TaskState,
	description string,
	at time.Time,
) (bool, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.String("target_state", target.String()))

	if description == "" {
		description = target.DefaultMessage()
	}
	finish := pgtype.Timestamptz{}
	if target.IsTerminal() {
		finish = storage.Timestamptz(at)
	}

	var changed bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_task_state", attrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		tag, err := s.q.Exec(ctx, `
			UPDATE tasks SET
				state = $2,
				state_description = $3,
				finish_time = COALESCE($4, finish_time),
				updated_at = NOW()
			WHERE id = $1 AND state = ANY($5)`,
			taskID,
			string(target),
			description,
			finish,
			stateStrings(progress.StatesTransitioningTo(target)),
		)
		if err != nil {
			return fmt.Errorf("TransitionState update error: %w", err)
		}
		if tag.RowsAffected() > 0 {
			changed = true
			return nil
		}

		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return fmt.Errorf("TransitionState existence check error: %w", err)
		}
		if !exists {
			return progress.ErrTaskNotFound
		}
		span.AddEvent("transition_skipped")
		return nil
	})
	return changed, err
}

// TouchLastRecordFinished moves last_record_finished_at forward, never back.
func (s *taskStore) TouchLastRecordFinished(ctx context.Context, taskID int64, at time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.touch_last_record_finished", dbAttrs(attribute.Int64("task_id", taskID)),
		func(ctx context.Context) error {
			tag, err := s.q.Exec(ctx, `
				UPDATE tasks SET
					last_record_finished_at = GREATEST(COALESCE(last_record_finished_at, $2), $2)
				WHERE id = $1`,
				taskID, at,
			)
			if err != nil {
				return fmt.Errorf("TouchLastRecordFinished update error: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return progress.ErrTaskNotFound
			}
			return nil
		})
}

// ListCompletionCandidates returns open tasks whose handled total already
// reached their known expected count.
func (s *taskStore) ListCompletionCandidates(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_completion_candidates", dbAttrs(attribute.Int("limit", limit)),
		func(ctx context.Context) error {
			rows, err := s.q.Query(ctx, `
				SELECT id FROM tasks
				WHERE state = ANY($1)
				  AND expected_record_count >= 0
				  AND processed_records + ignored_records + deleted_records >= expected_record_count
				ORDER BY id
				LIMIT $2`,
				stateStrings(progress.ActiveTaskStates()), limit,
			)
			if err != nil {
				return fmt.Errorf("ListCompletionCandidates query error: %w", err)
			}

			ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				return fmt.Errorf("ListCompletionCandidates scan error: %w", err)
			}
			return nil
		})
	return ids, err
}
