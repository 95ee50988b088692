package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskRepository persists task rows, their counters and their lifecycle state.
type TaskRepository interface {
	// CreateTask inserts a new task. Returns ErrTaskAlreadyExists when the id
	// is taken.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask loads a task. Returns ErrTaskNotFound when absent.
	GetTask(ctx context.Context, taskID int64) (*Task, error)

	// GetTaskForUpdate loads a task and locks it for the rest of the
	// surrounding transaction.
	GetTaskForUpdate(ctx context.Context, taskID int64) (*Task, error)

	// TaskExists reports whether a task with the id exists for the topology.
	TaskExists(ctx context.Context, taskID int64, topologyName string) (bool, error)

	// ApplyCounterDelta atomically adds delta to the task counters and returns
	// the task as it is after the increment. An incremental delta sets the
	// task's incremental flag, which is never cleared. Concurrent callers never
	// lose an update.
	ApplyCounterDelta(ctx context.Context, taskID int64, delta CounterDelta) (*Task, error)

	// GetCounters returns a point-in-time snapshot of the task counters.
	GetCounters(ctx context.Context, taskID int64) (TaskCounterSet, error)

	// UpdateTask writes the mutable non-counter fields of the task: state,
	// description, expected record count and timestamps.
	UpdateTask(ctx context.Context, task *Task) error

	// TransitionState moves the task to target only if its current state is
	// not terminal. It reports whether the row changed; a terminal task is a
	// no-op, not an error.
	TransitionState(ctx context.Context, taskID int64, target TaskState, description string, at time.Time) (bool, error)

	// TouchLastRecordFinished records when the latest notification arrived.
	TouchLastRecordFinished(ctx context.Context, taskID int64, at time.Time) error

	// ListCompletionCandidates returns ids of non-terminal tasks whose handled
	// total already reached a known expected count.
	ListCompletionCandidates(ctx context.Context, limit int) ([]int64, error)
}

// ProcessedRecordRepository is the dedupe ledger keyed by (task, record).
type ProcessedRecordRepository interface {
	// Find returns the stored entry. Returns ErrRecordNotFound when absent.
	Find(ctx context.Context, taskID int64, recordID string) (*ProcessedRecord, error)

	// MarkProcessed upserts the entry following Decide and reports whether the
	// record is newly counted.
	MarkProcessed(ctx context.Context, record *ProcessedRecord) (wasNew bool, err error)
}

// ErrorRepository stores per-task error aggregates and their capped samples.
type ErrorRepository interface {
	// IncrementErrorType bumps the occurrence count of (task, errorType) by one,
	// creating the aggregate with message if needed, and returns the new count.
	IncrementErrorType(ctx context.Context, taskID int64, errorType uuid.UUID, message string) (int, error)

	// InsertErrorDetail stores one sample. Re-inserting the same record for the
	// same type overwrites the sample.
	InsertErrorDetail(ctx context.Context, detail ErrorDetail) error

	// ListErrorTypes returns every aggregate of the task, most frequent first.
	ListErrorTypes(ctx context.Context, taskID int64) ([]ErrorTypeSummary, error)

	// GetErrorType returns one aggregate. Returns ErrErrorTypeNotFound when absent.
	GetErrorType(ctx context.Context, taskID int64, errorType uuid.UUID) (ErrorTypeSummary, error)

	// ListErrorDetails returns up to limit samples ordered by record id.
	ListErrorDetails(ctx context.Context, taskID int64, errorType uuid.UUID, limit int) ([]ErrorDetail, error)
}

// NotificationRepository stores the per-task notification log.
type NotificationRepository interface {
	// AppendNotification adds a log entry.
	AppendNotification(ctx context.Context, n Notification) error

	// ListNotifications returns entries with from <= resourceNum <= to.
	ListNotifications(ctx context.Context, taskID int64, from, to int) ([]Notification, error)
}

// Repositories groups the repositories that share one transaction.
type Repositories struct {
	Tasks         TaskRepository
	Records       ProcessedRecordRepository
	Errors        ErrorRepository
	Notifications NotificationRepository
}

// Transactor runs fn with repositories bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
