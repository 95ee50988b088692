package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
)

// querier is the subset of pgx satisfied by both the pool and a transaction,
// which lets every store run either standalone or inside WithinTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

var _ progress.Transactor = (*Store)(nil)

// Store hands out the progress repositories backed by PostgreSQL and runs
// them inside a shared transaction when asked to.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer

	txTimeout time.Duration
}

// NewStore creates a PostgreSQL-backed progress store.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer, txTimeout: 10 * time.Second}
}

// Repositories returns repositories that run each call in its own implicit
// transaction.
func (s *Store) Repositories() progress.Repositories { return s.bind(s.pool) }

func (s *Store) bind(q querier) progress.Repositories {
	return progress.Repositories{
		Tasks:         &taskStore{q: q, tracer: s.tracer},
		Records:       &recordStore{q: q, tracer: s.tracer},
		Errors:        &errorStore{q: q, tracer: s.tracer},
		Notifications: &notificationStore{q: q, tracer: s.tracer},
	}
}

// WithinTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// the counter update serialize concurrent writers of the same task.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos progress.Repositories) error) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.progress.within_tx", dbAttrs(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
		defer cancel()

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, s.bind(tx)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction error: %w", err)
		}
		return nil
	})
}
