package progress

import (
	"strconv"
	"time"

	"github.com/ecloud/dps-notifier/internal/domain/events"
)

// Event types of the task control and lifecycle topics.
const (
	EventTypeTaskSubmitted           events.EventType = "TaskSubmitted"
	EventTypeTaskExpectedSizeUpdated events.EventType = "TaskExpectedSizeUpdated"
	EventTypeTaskInfoUpdated         events.EventType = "TaskInfoUpdated"
	EventTypeTaskStateChanged        events.EventType = "TaskStateChanged"
)

// TaskSubmittedEvent registers a task before any of its notifications arrive.
type TaskSubmittedEvent struct {
	occurredAt          time.Time
	TaskID              int64
	TopologyName        string
	State               TaskState
	ExpectedRecordCount int
	Incremental         bool
	Description         string
}

// NewTaskSubmittedEvent creates a task submitted event.
func NewTaskSubmittedEvent(
	taskID int64,
	topology string,
	state TaskState,
	expected int,
	incremental bool,
	description string,
	at time.Time,
) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		occurredAt:          at,
		TaskID:              taskID,
		TopologyName:        topology,
		State:               state,
		ExpectedRecordCount: expected,
		Incremental:         incremental,
		Description:         description,
	}
}

func (e TaskSubmittedEvent) EventType() events.EventType { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskExpectedSizeUpdatedEvent supplies the record count once the upstream
// pipeline finished enumerating.
type TaskExpectedSizeUpdatedEvent struct {
	occurredAt          time.Time
	TaskID              int64
	ExpectedRecordCount int
}

// NewTaskExpectedSizeUpdatedEvent creates an expected size update.
func NewTaskExpectedSizeUpdatedEvent(taskID int64, expected int, at time.Time) TaskExpectedSizeUpdatedEvent {
	return TaskExpectedSizeUpdatedEvent{occurredAt: at, TaskID: taskID, ExpectedRecordCount: expected}
}

func (e TaskExpectedSizeUpdatedEvent) EventType() events.EventType {
	return EventTypeTaskExpectedSizeUpdated
}
func (e TaskExpectedSizeUpdatedEvent) OccurredAt() time.Time { return e.occurredAt }

// TaskInfoUpdatedEvent carries an externally driven state change.
type TaskInfoUpdatedEvent struct {
	occurredAt time.Time
	TaskID     int64
	State      TaskState
	Info       string
	StartTime  time.Time
}

// NewTaskInfoUpdatedEvent creates a task info update.
func NewTaskInfoUpdatedEvent(taskID int64, state TaskState, info string, startTime, at time.Time) TaskInfoUpdatedEvent {
	return TaskInfoUpdatedEvent{occurredAt: at, TaskID: taskID, State: state, Info: info, StartTime: startTime}
}

func (e TaskInfoUpdatedEvent) EventType() events.EventType { return EventTypeTaskInfoUpdated }
func (e TaskInfoUpdatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskStateChangedEvent is published after the notifier completes a task.
type TaskStateChangedEvent struct {
	occurredAt   time.Time
	TaskID       int64
	TopologyName string
	From         TaskState
	To           TaskState
	Counters     TaskCounterSet
}

// NewTaskStateChangedEvent creates a lifecycle event.
func NewTaskStateChangedEvent(task *Task, from TaskState, at time.Time) TaskStateChangedEvent {
	return TaskStateChangedEvent{
		occurredAt:   at,
		TaskID:       task.ID(),
		TopologyName: task.TopologyName(),
		From:         from,
		To:           task.State(),
		Counters:     task.Counters(),
	}
}

func (e TaskStateChangedEvent) EventType() events.EventType { return EventTypeTaskStateChanged }
func (e TaskStateChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskKey is the partition key used for every task-scoped event.
func TaskKey(taskID int64) string { return strconv.FormatInt(taskID, 10) }

// ReconstructTaskStateChangedEvent rebuilds a lifecycle event decoded from the bus.
func ReconstructTaskStateChangedEvent(
	taskID int64,
	topology string,
	from, to TaskState,
	counters TaskCounterSet,
	at time.Time,
) TaskStateChangedEvent {
	return TaskStateChangedEvent{
		occurredAt:   at,
		TaskID:       taskID,
		TopologyName: topology,
		From:         from,
		To:           to,
		Counters:     counters,
	}
}
