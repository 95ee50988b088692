package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
)

var _ progress.ErrorRepository = (*errorStore)(nil)

// errorStore keeps one aggregate row per (task, error type) and a bounded set
// of detail samples beneath it.
type errorStore struct {
	q      querier
	tracer trace.Tracer
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

// IncrementErrorType upserts the aggregate and returns the occurrence count
// after the increment.
func (s *errorStore) IncrementErrorType(ctx context.Context, taskID int64, errorType uuid.UUID, message string) (int, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.String("error_type", errorType.String()))

	var occurrences int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.increment_error_type", attrs, func(ctx context.Context) error {
		err := s.q.QueryRow(ctx, `
			INSERT INTO task_error_types (task_id, error_type, message, occurrences)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (task_id, error_type)
			DO UPDATE SET occurrences = task_error_types.occurrences + 1
			RETURNING occurrences`,
			taskID, pgUUID(errorType), message,
		).Scan(&occurrences)
		if err != nil {
			return fmt.Errorf("IncrementErrorType upsert error: %w", err)
		}
		return nil
	})
	return occurrences, err
}

// InsertErrorDetail stores a sample, replacing an earlier sample of the same
// record under the same type.
func (s *errorStore) InsertErrorDetail(ctx context.Context, d progress.ErrorDetail) error {
	attrs := dbAttrs(
		attribute.Int64("task_id", d.TaskID),
		attribute.String("error_type", d.ErrorType.String()),
		attribute.String("record_id", d.RecordID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_error_detail", attrs, func(ctx context.Context) error {
		_, err := s.q.Exec(ctx, `
			INSERT INTO task_error_details (task_id, error_type, record_id, additional_info)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_id, error_type, record_id)
			DO UPDATE SET additional_info = EXCLUDED.additional_info`,
			d.TaskID, pgUUID(d.ErrorType), d.RecordID, d.AdditionalInfo,
		)
		if err != nil {
			return fmt.Errorf("InsertErrorDetail insert error: %w", err)
		}
		return nil
	})
}

func scanSummary(row pgx.Row, taskID int64) (progress.ErrorTypeSummary, error) {
	var (
		id  pgtype.UUID
		sum = progress.ErrorTypeSummary{TaskID: taskID}
	)
	if err := row.Scan(&id, &sum.Message, &sum.Occurrences); err != nil {
		return progress.ErrorTypeSummary{}, err
	}
	sum.ErrorType = uuid.UUID(id.Bytes)
	return sum, nil
}

// ListErrorTypes returns the task's aggregates, most frequent first.
func (s *errorStore) ListErrorTypes(ctx context.Context, taskID int64) ([]progress.ErrorTypeSummary, error) {
	var out []progress.ErrorTypeSummary
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_error_types", dbAttrs(attribute.Int64("task_id", taskID)),
		func(ctx context.Context) error {
			rows, err := s.q.Query(ctx, `
				SELECT error_type, message, occurrences
				FROM task_error_types
				WHERE task_id = $1
				ORDER BY occurrences DESC, error_type`,
				taskID,
			)
			if err != nil {
				return fmt.Errorf("ListErrorTypes query error: %w", err)
			}

			out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.ErrorTypeSummary, error) {
				return scanSummary(row, taskID)
			})
			if err != nil {
				return fmt.Errorf("ListErrorTypes scan error: %w", err)
			}
			return nil
		})
	return out, err
}

// GetErrorType returns one aggregate of the task.
func (s *errorStore) GetErrorType(ctx context.Context, taskID int64, errorType uuid.UUID) (progress.ErrorTypeSummary, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.String("error_type", errorType.String()))

	var sum progress.ErrorTypeSummary
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_error_type", attrs, func(ctx context.Context) error {
		var err error
		sum, err = scanSummary(s.q.QueryRow(ctx, `
			SELECT error_type, message, occurrences
			FROM task_error_types
			WHERE task_id = $1 AND error_type = $2`,
			taskID, pgUUID(errorType),
		), taskID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return progress.ErrErrorTypeNotFound
			}
			return fmt.Errorf("GetErrorType query error: %w", err)
		}
		return nil
	})
	return sum, err
}

// ListErrorDetails returns up to limit samples ordered by record id.
func (s *errorStore) ListErrorDetails(ctx context.Context, taskID int64, errorType uuid.UUID, limit int) ([]progress.ErrorDetail, error) {
	attrs := dbAttrs(
		attribute.Int64("task_id", taskID),
		attribute.String("error_type", errorType.String()),
		attribute.Int("limit", limit),
	)

	var out []progress.ErrorDetail
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_error_details", attrs, func(ctx context.Context) error {
		rows, err := s.q.Query(ctx, `
			SELECT record_id, additional_info
			FROM task_error_details
			WHERE task_id = $1 AND error_type = $2
			ORDER BY record_id
			LIMIT $3`,
			taskID, pgUUID(errorType), limit,
		)
		if err != nil {
			return fmt.Errorf("ListErrorDetails query error: %w", err)
		}

		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.ErrorDetail, error) {
			d := progress.ErrorDetail{TaskID: taskID, ErrorType: errorType}
			err := row.Scan(&d.RecordID, &d.AdditionalInfo)
			return d, err
		})
		if err != nil {
			return fmt.Errorf("ListErrorDetails scan error: %w", err)
		}
		return nil
	})
	return out, err
}
