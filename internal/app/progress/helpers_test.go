package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage/progress/memory"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// mockPublisher records published events. Setting err makes every publish fail.
type mockPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	keys   []string
	err    error
}

func (m *mockPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	m.keys = append(m.keys, events.ApplyPublishOptions(opts...).Key)
	return nil
}

func (m *mockPublisher) stateChanges() []domain.TaskStateChangedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.TaskStateChangedEvent
	for _, e := range m.events {
		if sc, ok := e.(domain.TaskStateChangedEvent); ok {
			out = append(out, sc)
		}
	}
	return out
}

func newTestMetrics(t *testing.T) NotifierMetrics {
	t.Helper()
	m, err := NewNotifierMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// harness wires the services the way the binary does, over the memory store.
type harness struct {
	store     *memory.Store
	publisher *mockPublisher
	metrics   NotifierMetrics
	cfg       ProcessorConfig

	processor *NotificationProcessor
	tasks     *TaskService
	reports   *ReportService
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, ProcessorConfig{})
}

func newHarnessWithConfig(t *testing.T, cfg ProcessorConfig) *harness {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	pub := new(mockPublisher)
	metrics := newTestMetrics(t)
	tracer := tracenoop.NewTracerProvider().Tracer("test")

	h := &harness{
		store:     store,
		publisher: pub,
		metrics:   metrics,
		cfg:       cfg,
		tasks:     NewTaskService(store, repos.Tasks, pub, metrics, logger.Noop(), tracer),
		reports:   NewReportService(repos, tracer),
	}
	h.processor = h.newProcessor()
	return h
}

// newProcessor simulates a process restart: the new instance shares storage
// but starts with a cold cache.
func (h *harness) newProcessor() *NotificationProcessor {
	return h.newProcessorOver(h.store)
}

func (h *harness) submit(t *testing.T, taskID int64, expected int, incremental bool) {
	t.Helper()
	_, err := h.tasks.SubmitTask(context.Background(), SubmitTaskCommand{
		TaskID:              taskID,
		TopologyName:        "indexing",
		State:               domain.TaskStateCurrentlyProcessing,
		ExpectedRecordCount: expected,
		Incremental:         incremental,
	})
	require.NoError(t, err)
}

func (h *harness) task(t *testing.T, taskID int64) *domain.Task {
	t.Helper()
	task, err := h.reports.GetTaskProgress(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

var errStorageDown = errors.New("storage unavailable")

// failures counts down the writes that should fail before storage recovers.
type failures struct{ remaining atomic.Int32 }

func (f *failures) hit() error {
	if f.remaining.Add(-1) >= 0 {
		return errStorageDown
	}
	return nil
}

type failingNotifications struct {
	domain.NotificationRepository
	fail *failures
}

func (r failingNotifications) AppendNotification(ctx context.Context, n domain.Notification) error {
	if err := r.fail.hit(); err != nil {
		return err
	}
	return r.NotificationRepository.AppendNotification(ctx, n)
}

type failingErrors struct {
	domain.ErrorRepository
	fail *failures
}

func (r failingErrors) IncrementErrorType(ctx context.Context, taskID int64, errorType uuid.UUID, message string) (int, error) {
	if err := r.fail.hit(); err != nil {
		return 0, err
	}
	return r.ErrorRepository.IncrementErrorType(ctx, taskID, errorType, message)
}

// failingTx runs transactions on the memory store but hands fn repositories
// whose writes fail until the countdown runs out.
type failingTx struct {
	store         *memory.Store
	notifications *failures
	errors        *failures
}

func (f *failingTx) WithinTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	return f.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		if f.notifications != nil {
			repos.Notifications = failingNotifications{repos.Notifications, f.notifications}
		}
		if f.errors != nil {
			repos.Errors = failingErrors{repos.Errors, f.errors}
		}
		return fn(ctx, repos)
	})
}

// newProcessorOver builds a processor whose transactions go through tx.
func (h *harness) newProcessorOver(tx domain.Transactor) *NotificationProcessor {
	return NewNotificationProcessor(
		tx,
		h.store.Repositories(),
		h.publisher,
		h.metrics,
		h.cfg,
		logger.Noop(),
		tracenoop.NewTracerProvider().Tracer("test"),
	)
}

type eventOption func(*domain.NotificationEvent)

func withError(message, info string) eventOption {
	return func(e *domain.NotificationEvent) {
		e.Outcome = domain.OutcomeError
		e.Message = message
		e.AdditionalInfo = info
	}
}

func withAttempt(n int) eventOption { return func(e *domain.NotificationEvent) { e.Attempt = n } }

func withIncremental() eventOption { return func(e *domain.NotificationEvent) { e.Incremental = true } }

func withDeleted() eventOption { return func(e *domain.NotificationEvent) { e.Deleted = true } }

func withIgnored() eventOption { return func(e *domain.NotificationEvent) { e.Ignored = true } }

func notification(taskID int64, recordID string, opts ...eventOption) domain.NotificationEvent {
	e := domain.NotificationEvent{
		TaskID:         taskID,
		RecordID:       recordID,
		Outcome:        domain.OutcomeSuccess,
		Message:        "ok",
		ProcessingTime: 25 * time.Millisecond,
		WorkerID:       "worker-1",
		TopologyName:   "indexing",
	}
	for _, opt := range opts {
		opt(&e)
	}
	return domain.NewNotificationEvent(e, time.Now())
}
