package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
)

func newTask(t *testing.T, id int64, expected int) *progress.Task {
	t.Helper()
	task, err := progress.NewTask(id, "indexing", progress.TaskStateCurrentlyProcessing, expected, false, "", time.Now())
	require.NoError(t, err)
	return task
}

func TestStore_TaskLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repos := NewStore().Repositories()

	require.NoError(t, repos.Tasks.CreateTask(ctx, newTask(t, 1, 2)))
	require.ErrorIs(t, repos.Tasks.CreateTask(ctx, newTask(t, 1, 2)), progress.ErrTaskAlreadyExists)

	task, err := repos.Tasks.ApplyCounterDelta(ctx, 1, progress.CounterDelta{Processed: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, task.TotalHandled())

	// Mutating a returned copy must not leak into the store.
	task.ApplyDelta(progress.CounterDelta{Processed: 10})
	counters, err := repos.Tasks.GetCounters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Processed)

	changed, err := repos.Tasks.TransitionState(ctx, 1, progress.TaskStateProcessed, "", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repos.Tasks.TransitionState(ctx, 1, progress.TaskStateReadyForPostProcessing, "", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = repos.Tasks.GetTask(ctx, 2)
	require.ErrorIs(t, err, progress.ErrTaskNotFound)
}

func TestStore_UpdateTaskKeepsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repos := NewStore().Repositories()

	require.NoError(t, repos.Tasks.CreateTask(ctx, newTask(t, 1, progress.UnknownExpectedCount)))
	stale, err := repos.Tasks.GetTask(ctx, 1)
	require.NoError(t, err)

	_, err = repos.Tasks.ApplyCounterDelta(ctx, 1, progress.CounterDelta{Ignored: 1, Incremental: true})
	require.NoError(t, err)

	require.NoError(t, stale.SetExpectedRecordCount(1))
	require.NoError(t, repos.Tasks.UpdateTask(ctx, stale))

	loaded, err := repos.Tasks.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ExpectedRecordCount())
	assert.Equal(t, 1, loaded.Counters().Ignored)
	assert.True(t, loaded.Incremental(), "a stale copy does not clear the latched flag")
	assert.Equal(t, progress.TaskStateReadyForPostProcessing, loaded.CompletionState())

	ids, err := repos.Tasks.ListCompletionCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()
	require.NoError(t, repos.Tasks.CreateTask(ctx, newTask(t, 1, 5)))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx progress.Repositories) error {
		wasNew, err := tx.Records.MarkProcessed(ctx, progress.NewProcessedRecord(1, "r1", 1, progress.RecordStateError, "w", time.Now()))
		require.NoError(t, err)
		require.True(t, wasNew)

		_, err = tx.Tasks.ApplyCounterDelta(ctx, 1, progress.CounterDelta{Processed: 1, ProcessedErrors: 1})
		require.NoError(t, err)

		_, err = tx.Errors.IncrementErrorType(ctx, 1, progress.ErrorTypeFor("x"), "x")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	counters, err := repos.Tasks.GetCounters(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, counters.TotalHandled())

	_, err = repos.Records.Find(ctx, 1, "r1")
	require.ErrorIs(t, err, progress.ErrRecordNotFound)

	summaries, err := repos.Errors.ListErrorTypes(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestStore_MarkProcessedFollowsDecide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repos := NewStore().Repositories()

	mark := func(attempt int, state progress.RecordState) bool {
		wasNew, err := repos.Records.MarkProcessed(ctx, progress.NewProcessedRecord(1, "r", attempt, state, "w", time.Now()))
		require.NoError(t, err)
		return wasNew
	}

	assert.True(t, mark(1, progress.RecordStateQueued))
	assert.True(t, mark(1, progress.RecordStateSuccess))
	assert.False(t, mark(1, progress.RecordStateSuccess))
	assert.False(t, mark(2, progress.RecordStateError))

	rec, err := repos.Records.Find(ctx, 1, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt())
}

func TestStore_ErrorsAndNotifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repos := NewStore().Repositories()
	require.NoError(t, repos.Tasks.CreateTask(ctx, newTask(t, 1, 5)))

	et := progress.ErrorTypeFor("timeout")
	require.ErrorIs(t,
		repos.Errors.InsertErrorDetail(ctx, progress.ErrorDetail{TaskID: 1, ErrorType: et, RecordID: "r"}),
		progress.ErrErrorTypeNotFound)

	n, err := repos.Errors.IncrementErrorType(ctx, 1, et, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, rec := range []string{"c", "a", "b"} {
		require.NoError(t, repos.Errors.InsertErrorDetail(ctx, progress.ErrorDetail{TaskID: 1, ErrorType: et, RecordID: rec}))
	}

	details, err := repos.Errors.ListErrorDetails(ctx, 1, et, 2)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, "a", details[0].RecordID)
	assert.Equal(t, "b", details[1].RecordID)

	for i := 3; i >= 1; i-- {
		e := progress.NotificationEvent{TaskID: 1, RecordID: "r", Outcome: progress.OutcomeSuccess}
		require.NoError(t, repos.Notifications.AppendNotification(ctx, progress.NewNotification(e, i, "indexing", time.Now())))
	}
	got, err := repos.Notifications.ListNotifications(ctx, 1, 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ResourceNum)
}
