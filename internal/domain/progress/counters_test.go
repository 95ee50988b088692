package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event NotificationEvent
		want  CounterDelta
	}{
		{
			name:  "plain success",
			event: NotificationEvent{Outcome: OutcomeSuccess},
			want:  CounterDelta{Processed: 1},
		},
		{
			name:  "plain error",
			event: NotificationEvent{Outcome: OutcomeError},
			want:  CounterDelta{Processed: 1, ProcessedErrors: 1},
		},
		{
			name:  "ignored success",
			event: NotificationEvent{Outcome: OutcomeSuccess, Ignored: true},
			want:  CounterDelta{Ignored: 1},
		},
		{
			name:  "ignored error stays ignored",
			event: NotificationEvent{Outcome: OutcomeError, Ignored: true},
			want:  CounterDelta{Ignored: 1},
		},
		{
			name:  "deleted beats ignored",
			event: NotificationEvent{Outcome: OutcomeSuccess, Deleted: true, Ignored: true},
			want:  CounterDelta{Deleted: 1},
		},
		{
			name:  "deleted with error counts both axes",
			event: NotificationEvent{Outcome: OutcomeError, Deleted: true},
			want:  CounterDelta{Deleted: 1, DeletedErrors: 1},
		},
		{
			name:  "incremental flag travels with the delta",
			event: NotificationEvent{Outcome: OutcomeSuccess, Incremental: true},
			want:  CounterDelta{Processed: 1, Incremental: true},
		},
		{
			name:  "unified error message on success is an error",
			event: NotificationEvent{Outcome: OutcomeSuccess, UnifiedErrorMessage: "bad xslt"},
			want:  CounterDelta{Processed: 1, ProcessedErrors: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.event)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, got.Processed+got.Ignored+got.Deleted, "exactly one disposition bucket")
		})
	}
}

func TestTaskCounterSet_AddAndTotal(t *testing.T) {
	var c TaskCounterSet
	c = c.Add(CounterDelta{Processed: 1, ProcessedErrors: 1})
	c = c.Add(CounterDelta{Ignored: 1})
	c = c.Add(CounterDelta{Deleted: 1, DeletedErrors: 1})

	assert.Equal(t, TaskCounterSet{Processed: 1, Ignored: 1, Deleted: 1, ProcessedErrors: 1, DeletedErrors: 1}, c)
	assert.Equal(t, 3, c.TotalHandled())
	assert.True(t, CounterDelta{}.IsZero())
}
