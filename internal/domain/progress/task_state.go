package progress

import (
	"fmt"
)

// TaskState represents the lifecycle position of a processing task. The
// notifier only ever moves a task from a processing state into PROCESSED or
// READY_FOR_POST_PROCESSING; every other state is written by the submission
// path or an operator.
type TaskState string

const (
	// TaskStateProcessingByRest indicates the REST application is still
	// preparing the task and has not handed it to the pipeline yet.
	TaskStateProcessingByRest TaskState = "PROCESSING_BY_REST_APPLICATION"

	// TaskStateQueued indicates the task is waiting for a pipeline worker.
	TaskStateQueued TaskState = "QUEUED"

	// TaskStateCurrentlyProcessing indicates records are flowing through the
	// pipeline.
	TaskStateCurrentlyProcessing TaskState = "CURRENTLY_PROCESSING"

	// TaskStateReadyForPostProcessing indicates every record was handled and
	// an incremental task awaits its post-processing stage.
	TaskStateReadyForPostProcessing TaskState = "READY_FOR_POST_PROCESSING"

	// TaskStateInPostProcessing indicates the post-processing stage picked the
	// task up.
	TaskStateInPostProcessing TaskState = "IN_POST_PROCESSING"

	// TaskStateProcessed indicates every record was handled.
	TaskStateProcessed TaskState = "PROCESSED"

	// TaskStateDropped indicates the task was killed from outside.
	TaskStateDropped TaskState = "DROPPED"
)

func (s TaskState) String() string { return string(s) }

// IsTerminal reports whether the state is absorbing for the notifier.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateProcessed, TaskStateReadyForPostProcessing, TaskStateInPostProcessing, TaskStateDropped:
		return true
	default:
		return false
	}
}

// DefaultMessage returns the state description stored alongside automatic
// transitions.
func (s TaskState) DefaultMessage() string {
	switch s {
	case TaskStateProcessingByRest:
		return "The task is in a pending mode, it is being processed before submission"
	case TaskStateQueued:
		return "The task is queued for execution"
	case TaskStateCurrentlyProcessing:
		return "The task is being processed"
	case TaskStateReadyForPostProcessing:
		return "Ready for post-processing after topology stage is finished"
	case TaskStateInPostProcessing:
		return "Task is post-processed"
	case TaskStateProcessed:
		return "Completely processed"
	case TaskStateDropped:
		return "The task was dropped"
	default:
		return ""
	}
}

// ParseTaskState converts a string to a TaskState. It returns an error for
// unknown values so corrupted rows or payloads surface immediately.
func ParseTaskState(s string) (TaskState, error) {
	switch st := TaskState(s); st {
	case TaskStateProcessingByRest,
		TaskStateQueued,
		TaskStateCurrentlyProcessing,
		TaskStateReadyForPostProcessing,
		TaskStateInPostProcessing,
		TaskStateProcessed,
		TaskStateDropped:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task state %q", s)
	}
}

var allTaskStates = []TaskState{
	TaskStateProcessingByRest,
	TaskStateQueued,
	TaskStateCurrentlyProcessing,
	TaskStateReadyForPostProcessing,
	TaskStateInPostProcessing,
	TaskStateProcessed,
	TaskStateDropped,
}

// ActiveTaskStates returns the non-terminal states.
func ActiveTaskStates() []TaskState {
	var out []TaskState
	for _, s := range allTaskStates {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// StatesTransitioningTo returns every state that may move to target. Stores
// use it to make a transition conditional on the current row state.
func StatesTransitioningTo(target TaskState) []TaskState {
	var out []TaskState
	for _, s := range allTaskStates {
		if s.isValidTransition(target) {
			out = append(out, s)
		}
	}
	return out
}

// ValidateTransition checks if a state transition is valid and returns an error if not.
func (s TaskState) ValidateTransition(target TaskState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces forward-only movement through the processing
// states. Any processing state may jump straight to a terminal state; terminal
// states accept nothing.
func (s TaskState) isValidTransition(target TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStateProcessingByRest:
		return target != TaskStateProcessingByRest
	case TaskStateQueued:
		return target == TaskStateCurrentlyProcessing || target.IsTerminal()
	case TaskStateCurrentlyProcessing:
		return target.IsTerminal()
	default:
		return false
	}
}

// RecordState is the state of one record in the dedupe ledger.
type RecordState string

const (
	// RecordStateQueued indicates the record entered the pipeline.
	RecordStateQueued RecordState = "QUEUED"
	// RecordStateSuccess indicates a terminal successful notification was counted.
	RecordStateSuccess RecordState = "SUCCESS"
	// RecordStateError indicates a terminal error notification was counted.
	RecordStateError RecordState = "ERROR"
)

func (s RecordState) String() string { return string(s) }

// IsFinished reports whether the record already contributed to the counters.
func (s RecordState) IsFinished() bool {
	return s == RecordStateSuccess || s == RecordStateError
}

// ParseRecordState converts a string to a RecordState.
func ParseRecordState(s string) (RecordState, error) {
	switch st := RecordState(s); st {
	case RecordStateQueued, RecordStateSuccess, RecordStateError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown record state %q", s)
	}
}
