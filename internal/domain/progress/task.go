package progress

import (
	"fmt"
	"strings"
	"time"
)

// UnknownExpectedCount marks a task whose record count is not known yet.
const UnknownExpectedCount = -1

// Task is the persisted aggregate the notifier keeps per submitted job. Its
// counters are denormalized here so that a single row lock serializes every
// increment, expected-size update and completion check of one task.
type Task struct {
	id                   int64
	topologyName         string
	state                TaskState
	expectedRecordCount  int
	counters             TaskCounterSet
	stateDescription     string
	incremental          bool
	sentTime             time.Time
	startTime            time.Time
	finishTime           time.Time
	lastRecordFinishedAt time.Time
}

// NewTask validates submission data and returns a task with zero counters.
// A zero state defaults to QUEUED.
func NewTask(
	id int64,
	topologyName string,
	state TaskState,
	expectedRecordCount int,
	incremental bool,
	description string,
	sentTime time.Time,
) (*Task, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidTask, id)
	}
	if strings.TrimSpace(topologyName) == "" {
		return nil, fmt.Errorf("%w: topology name is required", ErrInvalidTask)
	}
	if expectedRecordCount < UnknownExpectedCount {
		return nil, fmt.Errorf("%w: expected record count %d", ErrInvalidTask, expectedRecordCount)
	}
	if state == "" {
		state = TaskStateQueued
	}
	if state.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot submit a task in terminal state %s", ErrInvalidTask, state)
	}
	if description == "" {
		description = state.DefaultMessage()
	}

	return &Task{
		id:                  id,
		topologyName:        topologyName,
		state:               state,
		expectedRecordCount: expectedRecordCount,
		incremental:         incremental,
		stateDescription:    description,
		sentTime:            sentTime,
	}, nil
}

// ReconstructTask rebuilds a task from storage without validation.
func ReconstructTask(
	id int64,
	topologyName string,
	state TaskState,
	expectedRecordCount int,
	counters TaskCounterSet,
	stateDescription string,
	incremental bool,
	sentTime, startTime, finishTime, lastRecordFinishedAt time.Time,
) *Task {
	return &Task{
		id:                   id,
		topologyName:         topologyName,
		state:                state,
		expectedRecordCount:  expectedRecordCount,
		counters:             counters,
		stateDescription:     stateDescription,
		incremental:          incremental,
		sentTime:             sentTime,
		startTime:            startTime,
		finishTime:           finishTime,
		lastRecordFinishedAt: lastRecordFinishedAt,
	}
}

func (t *Task) ID() int64                       { return t.id }
func (t *Task) TopologyName() string            { return t.topologyName }
func (t *Task) State() TaskState                { return t.state }
func (t *Task) ExpectedRecordCount() int        { return t.expectedRecordCount }
func (t *Task) Counters() TaskCounterSet        { return t.counters }
func (t *Task) StateDescription() string        { return t.stateDescription }
func (t *Task) Incremental() bool               { return t.incremental }
func (t *Task) SentTime() time.Time             { return t.sentTime }
func (t *Task) StartTime() time.Time            { return t.startTime }
func (t *Task) FinishTime() time.Time           { return t.finishTime }
func (t *Task) LastRecordFinishedAt() time.Time { return t.lastRecordFinishedAt }

// ExpectedCountKnown reports whether the expected record count was supplied.
func (t *Task) ExpectedCountKnown() bool { return t.expectedRecordCount >= 0 }

// TotalHandled returns processed + ignored + deleted.
func (t *Task) TotalHandled() int { return t.counters.TotalHandled() }

// IsComplete reports whether the task is still processing and every expected
// record has been handled. Tasks with an unknown count are never complete.
func (t *Task) IsComplete() bool {
	return !t.state.IsTerminal() &&
		t.ExpectedCountKnown() &&
		t.TotalHandled() >= t.expectedRecordCount
}

// CompletionState returns the state a complete task moves to. Incremental
// tasks go to post-processing; the flag is set at submission or by any
// counted incremental notification.
func (t *Task) CompletionState() TaskState {
	if t.incremental {
		return TaskStateReadyForPostProcessing
	}
	return TaskStateProcessed
}

// Transition moves the task to target. Terminal targets stamp the finish time.
func (t *Task) Transition(target TaskState, description string, at time.Time) error {
	if err := t.state.ValidateTransition(target); err != nil {
		return err
	}
	t.state = target
	if description == "" {
		description = target.DefaultMessage()
	}
	t.stateDescription = description
	if target.IsTerminal() {
		t.finishTime = at
	}
	return nil
}

// ApplyDelta adds d to the counters. An incremental delta marks the task
// incremental; the flag is never cleared.
func (t *Task) ApplyDelta(d CounterDelta) {
	t.counters = t.counters.Add(d)
	t.incremental = t.incremental || d.Incremental
}

// SetExpectedRecordCount records the now-known record count.
func (t *Task) SetExpectedRecordCount(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: expected record count must not be negative, got %d", ErrInvalidTask, n)
	}
	t.expectedRecordCount = n
	return nil
}

// UpdateInfo applies an externally driven state change with its free text
// and start time. Leaving a terminal state is rejected; re-asserting the
// current state only refreshes the info.
func (t *Task) UpdateInfo(state TaskState, info string, startTime time.Time, at time.Time) error {
	if state != t.state {
		if err := t.Transition(state, info, at); err != nil {
			return err
		}
	} else if info != "" {
		t.stateDescription = info
	}
	if !startTime.IsZero() {
		t.startTime = startTime
	}
	return nil
}

// TouchLastRecordFinished records when the latest notification arrived.
func (t *Task) TouchLastRecordFinished(at time.Time) {
	if at.After(t.lastRecordFinishedAt) {
		t.lastRecordFinishedAt = at
	}
}

// Clone returns a copy safe to hand out of a cache or store.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}
