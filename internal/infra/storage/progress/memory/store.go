// Package memory provides an in-memory progress store for development and
// tests. Transactions take the store lock for their whole duration and roll
// back by restoring a snapshot.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
)

type recordKey struct {
	taskID   int64
	recordID string
}

type errorKey struct {
	taskID    int64
	errorType uuid.UUID
}

type data struct {
	tasks         map[int64]*progress.Task
	records       map[recordKey]*progress.ProcessedRecord
	errorTypes    map[errorKey]progress.ErrorTypeSummary
	errorDetails  map[errorKey]map[string]progress.ErrorDetail
	notifications map[int64][]progress.Notification
}

func newData() *data {
	return &data{
		tasks:         make(map[int64]*progress.Task),
		records:       make(map[recordKey]*progress.ProcessedRecord),
		errorTypes:    make(map[errorKey]progress.ErrorTypeSummary),
		errorDetails:  make(map[errorKey]map[string]progress.ErrorDetail),
		notifications: make(map[int64][]progress.Notification),
	}
}

// clone deep-copies everything a transaction may mutate. Processed records
// are immutable and replaced on write, so their pointers are shared.
func (d *data) clone() *data {
	c := newData()
	for id, t := range d.tasks {
		c.tasks[id] = t.Clone()
	}
	for k, r := range d.records {
		c.records[k] = r
	}
	for k, s := range d.errorTypes {
		c.errorTypes[k] = s
	}
	for k, m := range d.errorDetails {
		cm := make(map[string]progress.ErrorDetail, len(m))
		for rec, det := range m {
			cm[rec] = det
		}
		c.errorDetails[k] = cm
	}
	for id, ns := range d.notifications {
		c.notifications[id] = append([]progress.Notification(nil), ns...)
	}
	return c
}

var _ progress.Transactor = (*Store)(nil)

// Store is an in-memory implementation of every progress repository.
type Store struct {
	mu sync.Mutex
	d  *data
}

// NewStore creates an empty in-memory store.
func NewStore() *Store { return &Store{d: newData()} }

// Repositories returns repositories that lock the store per call.
func (s *Store) Repositories() progress.Repositories {
	return s.bind(func() func() {
		s.mu.Lock()
		return s.mu.Unlock
	})
}

func (s *Store) bind(lock func() func()) progress.Repositories {
	b := &boundStore{s: s, lock: lock}
	return progress.Repositories{
		Tasks:         (*taskStore)(b),
		Records:       (*recordStore)(b),
		Errors:        (*errorStore)(b),
		Notifications: (*notificationStore)(b),
	}
}

// WithinTx runs fn while holding the store lock and restores the pre-call
// snapshot if fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos progress.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.d.clone()
	if err := fn(ctx, s.bind(func() func() { return func() {} })); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// boundStore is the shared receiver of the repository views. lock is a
// no-op inside a transaction, which already holds the store lock.
type boundStore struct {
	s    *Store
	lock func() func()
}

type (
	taskStore         boundStore
	recordStore       boundStore
	errorStore        boundStore
	notificationStore boundStore
)

var (
	_ progress.TaskRepository            = (*taskStore)(nil)
	_ progress.ProcessedRecordRepository = (*recordStore)(nil)
	_ progress.ErrorRepository           = (*errorStore)(nil)
	_ progress.NotificationRepository    = (*notificationStore)(nil)
)

func (r *taskStore) CreateTask(_ context.Context, task *progress.Task) error {
	defer r.lock()()
	if _, ok := r.s.d.tasks[task.ID()]; ok {
		return progress.ErrTaskAlreadyExists
	}
	r.s.d.tasks[task.ID()] = task.Clone()
	return nil
}

func (r *taskStore) get(taskID int64) (*progress.Task, error) {
	t, ok := r.s.d.tasks[taskID]
	if !ok {
		return nil, progress.ErrTaskNotFound
	}
	return t, nil
}

func (r *taskStore) GetTask(_ context.Context, taskID int64) (*progress.Task, error) {
	defer r.lock()()
	t, err := r.get(taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (r *taskStore) GetTaskForUpdate(ctx context.Context, taskID int64) (*progress.Task, error) {
	return r.GetTask(ctx, taskID)
}

func (r *taskStore) TaskExists(_ context.Context, taskID int64, topologyName string) (bool, error) {
	defer r.lock()()
	t, ok := r.s.d.tasks[taskID]
	return ok && t.TopologyName() == topologyName, nil
}

func (r *taskStore) ApplyCounterDelta(_ context.Context, taskID int64, d progress.CounterDelta) (*progress.Task, error) {
	defer r.lock()()
	t, err := r.get(taskID)
	if err != nil {
		return nil, err
	}
	t.ApplyDelta(d)
	return t.Clone(), nil
}

func (r *taskStore) GetCounters(_ context.Context, taskID int64) (progress.TaskCounterSet, error) {
	defer r.lock()()
	t, err := r.get(taskID)
	if err != nil {
		return progress.TaskCounterSet{}, err
	}
	return t.Counters(), nil
}

// UpdateTask replaces every non-counter field while keeping the stored
// counters, matching the column set the postgres store writes.
func (r *taskStore) UpdateTask(_ context.Context, task *progress.Task) error {
	defer r.lock()()
	cur, err := r.get(task.ID())
	if err != nil {
		return err
	}
	r.s.d.tasks[task.ID()] = progress.ReconstructTask(
		task.ID(),
		cur.TopologyName(),
		task.State(),
		task.ExpectedRecordCount(),
		cur.Counters(),
		task.StateDescription(),
		cur.Incremental(),
		cur.SentTime(),
		task.StartTime(),
		task.FinishTime(),
		task.LastRecordFinishedAt(),
	)
	return nil
}

func (r *taskStore) TransitionState(
	_ context.Context,
	taskID int64,
	target progress.TaskState,
	description string,
	at time.Time,
) (bool, error) {
	defer r.lock()()
	t, err := r.get(taskID)
	if err != nil {
		return false, err
	}
	if err := t.Transition(target, description, at); err != nil {
		if errors.Is(err, progress.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *taskStore) TouchLastRecordFinished(_ context.Context, taskID int64, at time.Time) error {
	defer r.lock()()
	t, err := r.get(taskID)
	if err != nil {
		return err
	}
	t.TouchLastRecordFinished(at)
	return nil
}

func (r *taskStore) ListCompletionCandidates(_ context.Context, limit int) ([]int64, error) {
	defer r.lock()()
	var ids []int64
	for id, t := range r.s.d.tasks {
		if t.IsComplete() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *recordStore) Find(_ context.Context, taskID int64, recordID string) (*progress.ProcessedRecord, error) {
	defer r.lock()()
	rec, ok := r.s.d.records[recordKey{taskID, recordID}]
	if !ok {
		return nil, progress.ErrRecordNotFound
	}
	return rec, nil
}

func (r *recordStore) MarkProcessed(_ context.Context, rec *progress.ProcessedRecord) (bool, error) {
	defer r.lock()()
	key := recordKey{rec.TaskID(), rec.RecordID()}
	switch progress.Decide(r.s.d.records[key], rec.Attempt()) {
	case progress.DedupeSkip:
		return false, nil
	case progress.DedupeRefresh:
		r.s.d.records[key] = rec
		return false, nil
	default:
		r.s.d.records[key] = rec
		return true, nil
	}
}

func (r *errorStore) IncrementErrorType(_ context.Context, taskID int64, errorType uuid.UUID, message string) (int, error) {
	defer r.lock()()
	if _, ok := r.s.d.tasks[taskID]; !ok {
		return 0, progress.ErrTaskNotFound
	}
	key := errorKey{taskID, errorType}
	sum, ok := r.s.d.errorTypes[key]
	if !ok {
		sum = progress.ErrorTypeSummary{TaskID: taskID, ErrorType: errorType, Message: message}
	}
	sum.Occurrences++
	r.s.d.errorTypes[key] = sum
	return sum.Occurrences, nil
}

func (r *errorStore) InsertErrorDetail(_ context.Context, d progress.ErrorDetail) error {
	defer r.lock()()
	key := errorKey{d.TaskID, d.ErrorType}
	if _, ok := r.s.d.errorTypes[key]; !ok {
		return progress.ErrErrorTypeNotFound
	}
	m, ok := r.s.d.errorDetails[key]
	if !ok {
		m = make(map[string]progress.ErrorDetail)
		r.s.d.errorDetails[key] = m
	}
	m[d.RecordID] = d
	return nil
}

func (r *errorStore) ListErrorTypes(_ context.Context, taskID int64) ([]progress.ErrorTypeSummary, error) {
	defer r.lock()()
	var out []progress.ErrorTypeSummary
	for k, s := range r.s.d.errorTypes {
		if k.taskID == taskID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].ErrorType.String() < out[j].ErrorType.String()
	})
	return out, nil
}

func (r *errorStore) GetErrorType(_ context.Context, taskID int64, errorType uuid.UUID) (progress.ErrorTypeSummary, error) {
	defer r.lock()()
	s, ok := r.s.d.errorTypes[errorKey{taskID, errorType}]
	if !ok {
		return progress.ErrorTypeSummary{}, progress.ErrErrorTypeNotFound
	}
	return s, nil
}

func (r *errorStore) ListErrorDetails(_ context.Context, taskID int64, errorType uuid.UUID, limit int) ([]progress.ErrorDetail, error) {
	defer r.lock()()
	m := r.s.d.errorDetails[errorKey{taskID, errorType}]
	out := make([]progress.ErrorDetail, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *notificationStore) AppendNotification(_ context.Context, n progress.Notification) error {
	defer r.lock()()
	if _, ok := r.s.d.tasks[n.TaskID]; !ok {
		return progress.ErrTaskNotFound
	}
	r.s.d.notifications[n.TaskID] = append(r.s.d.notifications[n.TaskID], n)
	return nil
}

func (r *notificationStore) ListNotifications(_ context.Context, taskID int64, from, to int) ([]progress.Notification, error) {
	defer r.lock()()
	var out []progress.Notification
	for _, n := range r.s.d.notifications[taskID] {
		if n.ResourceNum >= from && n.ResourceNum <= to {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceNum < out[j].ResourceNum })
	return out, nil
}
