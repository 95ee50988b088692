package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
)

func TestNotificationProcessor_Scenarios(t *testing.T) {
	t.Parallel()

	t.Run("incremental notification completes into post-processing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 1, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "resource1", withIncremental())))

		task := h.task(t, 1)
		assert.Equal(t, domain.TaskStateReadyForPostProcessing, task.State())
		assert.Equal(t, 1, task.Counters().Processed)
	})

	t.Run("plain task completes into processed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 1, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "resource1")))

		task := h.task(t, 1)
		assert.Equal(t, domain.TaskStateProcessed, task.State())
		assert.Equal(t, 1, task.Counters().Processed)
		assert.False(t, task.FinishTime().IsZero())
	})

	t.Run("incremental task flag is honored", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 1, true)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "resource1")))
		assert.Equal(t, domain.TaskStateReadyForPostProcessing, h.task(t, 1).State())
	})

	t.Run("duplicate notification counts once", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 10, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "resource1")))
		require.NoError(t, h.processor.Handle(ctx, notification(1, "resource1")))

		assert.Equal(t, 1, h.task(t, 1).Counters().Processed)
		entries, err := h.reports.GetDetailedTaskReport(ctx, 1, 1, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "resource1", entries[0].Resource)
		assert.Equal(t, 1, entries[0].ResourceNum)
	})

	t.Run("same error message aggregates into one type", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 2, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "record1", withError("boom", "trace 1"))))
		require.NoError(t, h.processor.Handle(ctx, notification(1, "record2", withError("boom", "trace 2"))))

		report, err := h.reports.GetGeneralTaskErrorReport(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, report.Errors, 1)
		assert.Equal(t, domain.ErrorTypeFor("boom"), report.Errors[0].ErrorType)
		assert.Equal(t, 2, report.Errors[0].Occurrences)
		require.Len(t, report.Errors[0].Details, 2)
		assert.Equal(t, "record1", report.Errors[0].Details[0].RecordID)
		assert.Equal(t, "record2", report.Errors[0].Details[1].RecordID)
	})

	t.Run("restart between errors keeps counts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 2, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "record1", withError("boom", ""))))
		restarted := h.newProcessor()
		require.NoError(t, restarted.Handle(ctx, notification(1, "record2", withError("boom", ""))))

		task := h.task(t, 1)
		assert.Equal(t, 2, task.Counters().Processed)
		assert.Equal(t, 2, task.Counters().ProcessedErrors)
		assert.Equal(t, domain.TaskStateProcessed, task.State())

		report, err := h.reports.GetGeneralTaskErrorReport(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, report.Errors, 1)
		assert.Equal(t, 2, report.Errors[0].Occurrences)
		assert.Empty(t, report.Errors[0].Details)
	})

	t.Run("unknown size defers completion until size update", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, domain.UnknownExpectedCount, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "record1")))
		task := h.task(t, 1)
		assert.Equal(t, 1, task.Counters().Processed)
		assert.Equal(t, domain.TaskStateCurrentlyProcessing, task.State())

		done, err := h.tasks.UpdateExpectedSize(ctx, 1, 2)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, domain.TaskStateCurrentlyProcessing, h.task(t, 1).State())

		require.NoError(t, h.processor.Handle(ctx, notification(1, "record2")))
		task = h.task(t, 1)
		assert.Equal(t, 2, task.TotalHandled())
		assert.Equal(t, domain.TaskStateProcessed, task.State())
		assert.Len(t, h.publisher.stateChanges(), 1)
	})

	t.Run("incremental notifications steer a later size update", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, domain.UnknownExpectedCount, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "a", withIncremental())))
		require.NoError(t, h.processor.Handle(ctx, notification(1, "b", withIncremental())))
		assert.True(t, h.task(t, 1).Incremental())

		done, err := h.tasks.UpdateExpectedSize(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, domain.TaskStateReadyForPostProcessing, h.task(t, 1).State())

		changes := h.publisher.stateChanges()
		require.Len(t, changes, 1)
		assert.Equal(t, domain.TaskStateReadyForPostProcessing, changes[0].To)
	})

	t.Run("incremental flag survives a plain closing notification", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		h.submit(t, 1, 2, false)

		require.NoError(t, h.processor.Handle(ctx, notification(1, "a", withIncremental())))
		require.NoError(t, h.processor.Handle(ctx, notification(1, "b")))

		task := h.task(t, 1)
		assert.Equal(t, 2, task.Counters().Processed)
		assert.Equal(t, domain.TaskStateReadyForPostProcessing, task.State())
	})
}

func TestNotificationProcessor_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		opts            []eventOption
		want            domain.TaskCounterSet
		wantOccurrences int
	}{
		{
			name: "success",
			want: domain.TaskCounterSet{Processed: 1},
		},
		{
			name:            "error",
			opts:            []eventOption{withError("boom", "")},
			want:            domain.TaskCounterSet{Processed: 1, ProcessedErrors: 1},
			wantOccurrences: 1,
		},
		{
			name:            "deleted error",
			opts:            []eventOption{withDeleted(), withError("boom", "")},
			want:            domain.TaskCounterSet{Deleted: 1, DeletedErrors: 1},
			wantOccurrences: 1,
		},
		{
			name: "deleted wins over ignored",
			opts: []eventOption{withDeleted(), withIgnored()},
			want: domain.TaskCounterSet{Deleted: 1},
		},
		{
			name: "ignored",
			opts: []eventOption{withIgnored()},
			want: domain.TaskCounterSet{Ignored: 1},
		},
		{
			// Aggregated for the error report, counted only as ignored.
			name:            "ignored error",
			opts:            []eventOption{withIgnored(), withError("boom", "")},
			want:            domain.TaskCounterSet{Ignored: 1},
			wantOccurrences: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()
			h.submit(t, 1, 5, false)

			require.NoError(t, h.processor.Handle(ctx, notification(1, "r", tt.opts...)))
			assert.Equal(t, tt.want, h.task(t, 1).Counters())

			report, err := h.reports.GetGeneralTaskErrorReport(ctx, 1, 0)
			require.NoError(t, err)
			occurrences := 0
			for _, e := range report.Errors {
				occurrences += e.Occurrences
			}
			assert.Equal(t, tt.wantOccurrences, occurrences)
		})
	}
}

func TestNotificationProcessor_RejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	err := h.processor.Handle(ctx, notification(42, "r"))
	require.ErrorIs(t, err, domain.ErrTaskNotFound)

	err = h.processor.Handle(ctx, notification(1, ""))
	require.ErrorIs(t, err, domain.ErrInvalidNotification)

	_, err = h.reports.GetTaskProgress(ctx, 42)
	require.ErrorIs(t, err, domain.ErrTaskNotFound, "a notification never fabricates a task")
}

func TestNotificationProcessor_AttemptHandling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, 10, false)

	require.NoError(t, h.processor.Handle(ctx, notification(1, "r", withAttempt(1))))
	require.NoError(t, h.processor.Handle(ctx, notification(1, "r", withAttempt(2))))
	require.NoError(t, h.processor.Handle(ctx, notification(1, "r", withAttempt(2))))
	require.NoError(t, h.processor.Handle(ctx, notification(1, "r", withAttempt(1))))

	assert.Equal(t, 1, h.task(t, 1).Counters().Processed)

	seen, err := h.processor.RecordSeen(ctx, 1, "r")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, 2, seen.Attempt(), "a newer attempt refreshes the ledger")
	assert.Equal(t, domain.RecordStateSuccess, seen.State())

	seen, err = h.processor.RecordSeen(ctx, 1, "never")
	require.NoError(t, err)
	assert.Nil(t, seen)
}

func TestNotificationProcessor_MissingAttemptIsFirstAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, 10, false)

	evt := notification(1, "r")
	evt.Attempt = 0
	require.NoError(t, h.processor.Handle(ctx, evt))

	seen, err := h.processor.RecordSeen(ctx, 1, "r")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, domain.FirstAttempt, seen.Attempt())

	require.NoError(t, h.processor.Handle(ctx, notification(1, "r", withAttempt(domain.FirstAttempt))))
	assert.Equal(t, 1, h.task(t, 1).Counters().Processed, "explicit first attempt is a duplicate")

	evt.Attempt = -1
	require.ErrorIs(t, h.processor.Handle(ctx, evt), domain.ErrInvalidNotification)
}

func TestNotificationProcessor_Idempotence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	once := newHarness(t)
	once.submit(t, 1, 100, false)
	twice := newHarness(t)
	twice.submit(t, 1, 100, false)

	for i := range 20 {
		evt := notification(1, fmt.Sprintf("r-%02d", i))
		if i%3 == 0 {
			evt = notification(1, fmt.Sprintf("r-%02d", i), withError(fmt.Sprintf("err-%d", i%2), "x"))
		}
		require.NoError(t, once.processor.Handle(ctx, evt))
		require.NoError(t, twice.processor.Handle(ctx, evt))
		require.NoError(t, twice.processor.Handle(ctx, evt))
	}

	assert.Equal(t, once.task(t, 1).Counters(), twice.task(t, 1).Counters())

	a, err := once.reports.GetGeneralTaskErrorReport(ctx, 1, 100)
	require.NoError(t, err)
	b, err := twice.reports.GetGeneralTaskErrorReport(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNotificationProcessor_CommutativityAndConservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var evts []domain.NotificationEvent
	for i := range 30 {
		id := fmt.Sprintf("r-%02d", i)
		switch i % 5 {
		case 0:
			evts = append(evts, notification(1, id, withDeleted()))
		case 1:
			evts = append(evts, notification(1, id, withIgnored()))
		case 2:
			evts = append(evts, notification(1, id, withError("bad input", "")))
		case 3:
			evts = append(evts, notification(1, id, withDeleted(), withError("gone", "")))
		default:
			evts = append(evts, notification(1, id))
		}
	}

	run := func(seed int64) domain.TaskCounterSet {
		h := newHarness(t)
		h.submit(t, 1, domain.UnknownExpectedCount, false)
		shuffled := append([]domain.NotificationEvent(nil), evts...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, e := range shuffled {
			require.NoError(t, h.processor.Handle(ctx, e))
		}
		return h.task(t, 1).Counters()
	}

	want := run(1)
	for seed := int64(2); seed < 6; seed++ {
		assert.Equal(t, want, run(seed))
	}

	assert.Equal(t, len(evts), want.TotalHandled())
	assert.LessOrEqual(t, want.ProcessedErrors, want.Processed)
	assert.LessOrEqual(t, want.DeletedErrors, want.Deleted)
}

func TestNotificationProcessor_CompletesExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	const expected = 5
	h.submit(t, 7, expected, false)

	for i := range expected - 1 {
		require.NoError(t, h.processor.Handle(ctx, notification(7, fmt.Sprintf("r-%d", i))))
		assert.Equal(t, domain.TaskStateCurrentlyProcessing, h.task(t, 7).State())
	}

	require.NoError(t, h.processor.Handle(ctx, notification(7, "r-4")))
	assert.Equal(t, domain.TaskStateProcessed, h.task(t, 7).State())

	// Late duplicates and a stray extra record leave the terminal task alone.
	require.NoError(t, h.processor.Handle(ctx, notification(7, "r-4")))
	require.NoError(t, h.processor.Handle(ctx, notification(7, "r-extra", withIncremental())))
	assert.Equal(t, domain.TaskStateProcessed, h.task(t, 7).State())

	changes := h.publisher.stateChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.TaskStateCurrentlyProcessing, changes[0].From)
	assert.Equal(t, domain.TaskStateProcessed, changes[0].To)
	assert.Equal(t, expected, changes[0].Counters.TotalHandled())
	assert.Equal(t, []string{"7"}, h.publisher.keys)
}

func TestNotificationProcessor_ConcurrentDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	const records = 40
	h.submit(t, 1, records, false)

	var wg sync.WaitGroup
	errs := make(chan error, records*3)
	for i := range records {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- h.processor.Handle(ctx, notification(1, fmt.Sprintf("r-%d", i)))
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	task := h.task(t, 1)
	assert.Equal(t, records, task.Counters().Processed)
	assert.Equal(t, domain.TaskStateProcessed, task.State())
	assert.Len(t, h.publisher.stateChanges(), 1)
}

func TestNotificationProcessor_ErrorDetailThreshold(t *testing.T) {
	t.Parallel()
	h := newHarnessWithConfig(t, ProcessorConfig{ErrorDetailThreshold: 2, MaxAdditionalInfoBytes: 16})
	ctx := context.Background()
	h.submit(t, 1, 10, false)

	long := strings.Repeat("x", 100)
	for i := range 3 {
		require.NoError(t, h.processor.Handle(ctx, notification(1, fmt.Sprintf("r-%d", i), withError("boom", long))))
	}

	report, err := h.reports.GetSpecificTaskErrorReport(ctx, 1, domain.ErrorTypeFor("boom"), 10)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Occurrences)
	require.Len(t, report.Errors[0].Details, 2)
	for _, d := range report.Errors[0].Details {
		assert.LessOrEqual(t, len(d.AdditionalInfo), 16)
		assert.Equal(t, domain.TruncateAdditionalInfo(long, 16), d.AdditionalInfo)
	}
	assert.Equal(t, 3, h.task(t, 1).Counters().ProcessedErrors)
}

func TestNotificationProcessor_PublishFailureKeepsCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, 1, false)
	h.publisher.err = errors.New("broker down")

	require.NoError(t, h.processor.Handle(ctx, notification(1, "r")))
	assert.Equal(t, domain.TaskStateProcessed, h.task(t, 1).State())
}

func TestNotificationProcessor_NotificationLog(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, 1, 3, false)

	evt := notification(1, "doc-1", withError("boom", "stack"))
	evt.ResultResource = "s3://bucket/doc-1"
	require.NoError(t, h.processor.Handle(ctx, evt))
	require.NoError(t, h.processor.Handle(ctx, notification(1, "doc-2")))

	entries, err := h.reports.GetDetailedTaskReport(ctx, 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, 1, first.ResourceNum)
	assert.Equal(t, "doc-1", first.Resource)
	assert.Equal(t, domain.RecordStateError, first.State)
	assert.Equal(t, "boom", first.InfoText)
	assert.Equal(t, "stack Processing time: 25", first.AdditionalInfo)
	assert.Equal(t, "s3://bucket/doc-1", first.ResultResource)
	assert.Equal(t, "indexing", first.TopologyName)
	assert.Equal(t, 2, entries[1].ResourceNum)

	assert.False(t, h.task(t, 1).LastRecordFinishedAt().IsZero())
}

func TestNotificationProcessor_StorageFailureRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		opts            []eventOption
		tx              func(h *harness) *failingTx
		wantOccurrences int
	}{
		{
			name: "notification log append fails",
			tx: func(h *harness) *failingTx {
				f := new(failures)
				f.remaining.Store(2)
				return &failingTx{store: h.store, notifications: f}
			},
		},
		{
			name: "error aggregate increment fails",
			opts: []eventOption{withError("boom", "stack")},
			tx: func(h *harness) *failingTx {
				f := new(failures)
				f.remaining.Store(2)
				return &failingTx{store: h.store, errors: f}
			},
			wantOccurrences: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()
			h.submit(t, 1, 1, false)
			processor := h.newProcessorOver(tt.tx(h))
			evt := notification(1, "r", tt.opts...)

			for range 2 {
				err := processor.Handle(ctx, evt)
				require.ErrorIs(t, err, errStorageDown)
				assert.False(t, errors.Is(err, domain.ErrInvalidNotification))

				task := h.task(t, 1)
				assert.Equal(t, domain.TaskCounterSet{}, task.Counters())
				assert.Equal(t, domain.TaskStateCurrentlyProcessing, task.State())

				seen, err := processor.RecordSeen(ctx, 1, "r")
				require.NoError(t, err)
				assert.Nil(t, seen, "a rolled back delivery leaves no ledger entry")

				report, err := h.reports.GetGeneralTaskErrorReport(ctx, 1, 10)
				require.NoError(t, err)
				assert.Empty(t, report.Errors)

				entries, err := h.reports.GetDetailedTaskReport(ctx, 1, 1, 10)
				require.NoError(t, err)
				assert.Empty(t, entries)
			}
			assert.Empty(t, h.publisher.stateChanges())

			// Storage recovered; redelivery counts once and completes.
			require.NoError(t, processor.Handle(ctx, evt))
			require.NoError(t, processor.Handle(ctx, evt))

			task := h.task(t, 1)
			assert.Equal(t, 1, task.TotalHandled())
			assert.Equal(t, domain.TaskStateProcessed, task.State())
			assert.Len(t, h.publisher.stateChanges(), 1)

			entries, err := h.reports.GetDetailedTaskReport(ctx, 1, 1, 10)
			require.NoError(t, err)
			assert.Len(t, entries, 1)

			report, err := h.reports.GetGeneralTaskErrorReport(ctx, 1, 10)
			require.NoError(t, err)
			occurrences := 0
			for _, e := range report.Errors {
				occurrences += e.Occurrences
			}
			assert.Equal(t, tt.wantOccurrences, occurrences)
		})
	}
}
