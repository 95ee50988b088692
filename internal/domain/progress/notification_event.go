package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ecloud/dps-notifier/internal/domain/events"
)

// Outcome is the result the pipeline reports for one record.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
)

// ParseOutcome accepts the outcome case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(OutcomeSuccess):
		return OutcomeSuccess, nil
	case string(OutcomeError):
		return OutcomeError, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidNotification, s)
	}
}

// FirstAttempt is assumed when the pipeline does not stamp an attempt number.
const FirstAttempt = 1

// NotificationEvent reports the outcome of processing one record of a task.
// It is parsed once at the ingress boundary and never mutated afterwards.
type NotificationEvent struct {
	TaskID   int64
	RecordID string
	Attempt  int
	Outcome  Outcome

	// Deleted and Ignored select the disposition bucket; Outcome is an
	// independent axis.
	Deleted bool
	Ignored bool

	// Incremental marks notifications of incremental-indexing tasks, which
	// complete into READY_FOR_POST_PROCESSING.
	Incremental bool

	Message        string
	AdditionalInfo string

	// UnifiedErrorMessage turns a SUCCESS notification into an error report
	// entry; ExceptionMessage then supplies its details.
	UnifiedErrorMessage string
	ExceptionMessage    string

	ResultResource string
	ProcessingTime time.Duration
	WorkerID       string
	TopologyName   string

	occurredAt time.Time
}

// NewNotificationEvent stamps the event with its creation time.
func NewNotificationEvent(e NotificationEvent, occurredAt time.Time) NotificationEvent {
	e.occurredAt = occurredAt
	if e.Attempt == 0 {
		e.Attempt = FirstAttempt
	}
	return e
}

// EventTypeNotificationReceived identifies per-record notifications on the bus.
const EventTypeNotificationReceived events.EventType = "NotificationReceived"

func (e NotificationEvent) EventType() events.EventType { return EventTypeNotificationReceived }
func (e NotificationEvent) OccurredAt() time.Time       { return e.occurredAt }

// Validate checks the fields the processor depends on.
func (e NotificationEvent) Validate() error {
	switch {
	case e.TaskID <= 0:
		return fmt.Errorf("%w: task id must be positive, got %d", ErrInvalidNotification, e.TaskID)
	case strings.TrimSpace(e.RecordID) == "":
		return fmt.Errorf("%w: record id is required", ErrInvalidNotification)
	case e.Attempt < 0:
		return fmt.Errorf("%w: attempt must not be negative, got %d", ErrInvalidNotification, e.Attempt)
	case e.Outcome != OutcomeSuccess && e.Outcome != OutcomeError:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidNotification, e.Outcome)
	case e.ProcessingTime < 0:
		return fmt.Errorf("%w: processing time must not be negative", ErrInvalidNotification)
	}
	return nil
}

// IsError reports whether the notification feeds the error aggregates.
func (e NotificationEvent) IsError() bool {
	return e.Outcome == OutcomeError || e.UnifiedErrorMessage != ""
}

// ErrorMessage returns the message that identifies the error type.
func (e NotificationEvent) ErrorMessage() string {
	if e.Outcome != OutcomeError && e.UnifiedErrorMessage != "" {
		return e.UnifiedErrorMessage
	}
	return e.Message
}

// ErrorDetails returns the free text stored with an error sample.
func (e NotificationEvent) ErrorDetails() string {
	if e.Outcome != OutcomeError && e.UnifiedErrorMessage != "" {
		return e.ExceptionMessage
	}
	return e.AdditionalInfo
}

// RecordState is the ledger state written when the notification is counted.
func (e NotificationEvent) RecordState() RecordState {
	if e.Outcome == OutcomeError {
		return RecordStateError
	}
	return RecordStateSuccess
}

// LogInfo renders the additional info stored in the notification log, with
// the processing time appended.
func (e NotificationEvent) LogInfo() string {
	return e.AdditionalInfo + " Processing time: " + strconv.FormatInt(e.ProcessingTime.Milliseconds(), 10)
}

// PartitionKey keeps all notifications of one task on one partition.
func (e NotificationEvent) PartitionKey() string { return TaskKey(e.TaskID) }
