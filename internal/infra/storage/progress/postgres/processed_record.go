package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
)

var _ progress.ProcessedRecordRepository = (*recordStore)(nil)

// recordStore is the dedupe ledger. It lives in the same transaction as the
// counter update so a record is marked if and only if it was counted.
type recordStore struct {
	q      querier
	tracer trace.Tracer
}

// maxMarkAttempts bounds the retry after losing an insert race for the same
// (task, record) to a concurrent transaction.
const maxMarkAttempts = 2

func (s *recordStore) find(ctx context.Context, taskID int64, recordID string, lock bool) (*progress.ProcessedRecord, error) {
	query := `
		SELECT attempt, state, worker_id, updated_at
		FROM processed_records
		WHERE task_id = $1 AND record_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		attempt   int
		state     string
		workerID  string
		updatedAt time.Time
	)
	err := s.q.QueryRow(ctx, query, taskID, recordID).Scan(&attempt, &state, &workerID, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, progress.ErrRecordNotFound
		}
		return nil, err
	}

	rs, err := progress.ParseRecordState(state)
	if err != nil {
		return nil, fmt.Errorf("record %d/%s: %w", taskID, recordID, err)
	}
	return progress.ReconstructProcessedRecord(taskID, recordID, attempt, rs, workerID, updatedAt), nil
}

// Find returns the ledger entry of a record.
func (s *recordStore) Find(ctx context.Context, taskID int64, recordID string) (*progress.ProcessedRecord, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.String("record_id", recordID))

	var rec *progress.ProcessedRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_processed_record", attrs, func(ctx context.Context) error {
		var err error
		rec, err = s.find(ctx, taskID, recordID, false)
		if err != nil && !errors.Is(err, progress.ErrRecordNotFound) {
			return fmt.Errorf("Find query error: %w", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkProcessed applies progress.Decide against the locked ledger row. A
// concurrent insert of the same key makes the local insert a no-op, after
// which the freshly committed row is re-read and decided on.
func (s *recordStore) MarkProcessed(ctx context.Context, rec *progress.ProcessedRecord) (bool, error) {
	attrs := dbAttrs(
		attribute.Int64("task_id", rec.TaskID()),
		attribute.String("record_id", rec.RecordID()),
		attribute.Int("attempt", rec.Attempt()),
		attribute.String("state", rec.State().String()),
	)

	var wasNew bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_processed", attrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		for range maxMarkAttempts {
			existing, err := s.find(ctx, rec.TaskID(), rec.RecordID(), true)
			if err != nil && !errors.Is(err, progress.ErrRecordNotFound) {
				return fmt.Errorf("MarkProcessed lock error: %w", err)
			}

			decision := progress.Decide(existing, rec.Attempt())
			span.SetAttributes(attribute.Int("dedupe_decision", int(decision)))

			switch {
			case decision == progress.DedupeSkip:
				return nil

			case existing == nil:
				tag, err := s.q.Exec(ctx, `
					INSERT INTO processed_records (task_id, record_id, attempt, state, worker_id, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (task_id, record_id) DO NOTHING`,
					rec.TaskID(), rec.RecordID(), rec.Attempt(), string(rec.State()), rec.WorkerID(), rec.UpdatedAt(),
				)
				if err != nil {
					return fmt.Errorf("MarkProcessed insert error: %w", err)
				}
				if tag.RowsAffected() == 0 {
					span.AddEvent("insert_race_lost")
					continue
				}
				wasNew = true
				return nil

			default:
				_, err := s.q.Exec(ctx, `
					UPDATE processed_records SET
						attempt = $3, state = $4, worker_id = $5, updated_at = $6
					WHERE task_id = $1 AND record_id = $2`,
					rec.TaskID(), rec.RecordID(), rec.Attempt(), string(rec.State()), rec.WorkerID(), rec.UpdatedAt(),
				)
				if err != nil {
					return fmt.Errorf("MarkProcessed update error: %w", err)
				}
				wasNew = decision == progress.DedupeCount
				return nil
			}
		}
		return fmt.Errorf("MarkProcessed: ledger row for %d/%s kept changing", rec.TaskID(), rec.RecordID())
	})
	return wasNew, err
}
