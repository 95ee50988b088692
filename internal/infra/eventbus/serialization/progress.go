package serialization

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	serializationerrors "github.com/ecloud/dps-notifier/internal/infra/eventbus/serialization/errors"
)

// Payload field names. int64 identifiers travel as decimal strings so that
// they survive the float64 number representation of the wire struct.
const (
	fieldTaskID              = "task_id"
	fieldRecordID            = "record_id"
	fieldAttempt             = "attempt"
	fieldOutcome             = "outcome"
	fieldDeleted             = "deleted"
	fieldIgnored             = "ignored"
	fieldIncremental         = "incremental"
	fieldMessage             = "message"
	fieldAdditionalInfo      = "additional_info"
	fieldUnifiedErrorMessage = "unified_error_message"
	fieldExceptionMessage    = "exception_message"
	fieldResultResource      = "result_resource"
	fieldProcessingTimeMs    = "processing_time_ms"
	fieldWorkerID            = "worker_id"
	fieldTopologyName        = "topology_name"
	fieldOccurredAt          = "occurred_at"
	fieldState               = "state"
	fieldExpectedRecordCount = "expected_record_count"
	fieldDescription         = "description"
	fieldInfo                = "info"
	fieldStartTime           = "start_time"
	fieldFromState           = "from_state"
	fieldToState             = "to_state"
	fieldProcessed           = "processed"
	fieldIgnoredCount        = "ignored_count"
	fieldDeletedCount        = "deleted_count"
	fieldProcessedErrors     = "processed_errors"
	fieldDeletedErrors       = "deleted_errors"
)

func registerProgressSerializers() {
	RegisterSerializeFunc(progress.EventTypeNotificationReceived, serializeNotification)
	RegisterDeserializeFunc(progress.EventTypeNotificationReceived, deserializeNotification)

	RegisterSerializeFunc(progress.EventTypeTaskSubmitted, serializeTaskSubmitted)
	RegisterDeserializeFunc(progress.EventTypeTaskSubmitted, deserializeTaskSubmitted)

	RegisterSerializeFunc(progress.EventTypeTaskExpectedSizeUpdated, serializeExpectedSizeUpdated)
	RegisterDeserializeFunc(progress.EventTypeTaskExpectedSizeUpdated, deserializeExpectedSizeUpdated)

	RegisterSerializeFunc(progress.EventTypeTaskInfoUpdated, serializeTaskInfoUpdated)
	RegisterDeserializeFunc(progress.EventTypeTaskInfoUpdated, deserializeTaskInfoUpdated)

	RegisterSerializeFunc(progress.EventTypeTaskStateChanged, serializeTaskStateChanged)
	RegisterDeserializeFunc(progress.EventTypeTaskStateChanged, deserializeTaskStateChanged)
}

// fieldReader coerces payload fields and keeps the first failure.
type fieldReader struct {
	fields map[string]any
	err    error
}

func (r *fieldReader) fail(name string, err error) {
	if r.err == nil {
		r.err = serializationerrors.ErrInvalidField{Field: name, Err: err}
	}
}

func (r *fieldReader) present(name string) bool {
	v, ok := r.fields[name]
	return ok && v != nil
}

func (r *fieldReader) requireInt64(name string) int64 {
	if !r.present(name) {
		r.fail(name, errors.New("missing"))
		return 0
	}
	v, err := cast.ToInt64E(r.fields[name])
	if err != nil {
		r.fail(name, err)
	}
	return v
}

func (r *fieldReader) int(name string, def int) int {
	if !r.present(name) {
		return def
	}
	v, err := cast.ToIntE(r.fields[name])
	if err != nil {
		r.fail(name, err)
	}
	return v
}

func (r *fieldReader) bool(name string) bool {
	if !r.present(name) {
		return false
	}
	v, err := cast.ToBoolE(r.fields[name])
	if err != nil {
		r.fail(name, err)
	}
	return v
}

func (r *fieldReader) string(name string) string {
	if !r.present(name) {
		return ""
	}
	v, err := cast.ToStringE(r.fields[name])
	if err != nil {
		r.fail(name, err)
	}
	return v
}

func (r *fieldReader) time(name string) time.Time {
	if !r.present(name) {
		return time.Time{}
	}
	if s, ok := r.fields[name].(string); ok && s == "" {
		return time.Time{}
	}
	v, err := cast.ToTimeE(r.fields[name])
	if err != nil {
		r.fail(name, err)
	}
	return v.UTC()
}

func (r *fieldReader) taskState(name string) progress.TaskState {
	s := r.string(name)
	if s == "" {
		return ""
	}
	st, err := progress.ParseTaskState(s)
	if err != nil {
		r.fail(name, err)
	}
	return st
}

// occurredAt falls back to now for producers that do not stamp events.
func (r *fieldReader) occurredAt() time.Time {
	if at := r.time(fieldOccurredAt); !at.IsZero() {
		return at
	}
	return time.Now().UTC()
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func unexpected(eventType fmt.Stringer, payload any) error {
	return serializationerrors.ErrUnexpectedPayload{EventType: eventType.String(), Payload: payload}
}

// ------------------------------------------------------------------------------------------------
// Notifications

func serializeNotification(payload any) (map[string]any, error) {
	e, ok := payload.(progress.NotificationEvent)
	if !ok {
		return nil, unexpected(progress.EventTypeNotificationReceived, payload)
	}
	return map[string]any{
		fieldTaskID:              formatID(e.TaskID),
		fieldRecordID:            e.RecordID,
		fieldAttempt:             e.Attempt,
		fieldOutcome:             string(e.Outcome),
		fieldDeleted:             e.Deleted,
		fieldIgnored:             e.Ignored,
		fieldIncremental:         e.Incremental,
		fieldMessage:             e.Message,
		fieldAdditionalInfo:      e.AdditionalInfo,
		fieldUnifiedErrorMessage: e.UnifiedErrorMessage,
		fieldExceptionMessage:    e.ExceptionMessage,
		fieldResultResource:      e.ResultResource,
		fieldProcessingTimeMs:    e.ProcessingTime.Milliseconds(),
		fieldWorkerID:            e.WorkerID,
		fieldTopologyName:        e.TopologyName,
		fieldOccurredAt:          formatTime(e.OccurredAt()),
	}, nil
}

// deserializeNotification reports malformed payloads as
// progress.ErrInvalidNotification so the bus dead-letters them.
func deserializeNotification(fields map[string]any) (any, error) {
	r := &fieldReader{fields: fields}
	e := progress.NotificationEvent{
		TaskID:              r.requireInt64(fieldTaskID),
		RecordID:            r.string(fieldRecordID),
		Attempt:             r.int(fieldAttempt, progress.FirstAttempt),
		Deleted:             r.bool(fieldDeleted),
		Ignored:             r.bool(fieldIgnored),
		Incremental:         r.bool(fieldIncremental),
		Message:             r.string(fieldMessage),
		AdditionalInfo:      r.string(fieldAdditionalInfo),
		UnifiedErrorMessage: r.string(fieldUnifiedErrorMessage),
		ExceptionMessage:    r.string(fieldExceptionMessage),
		ResultResource:      r.string(fieldResultResource),
		ProcessingTime:      time.Duration(r.int(fieldProcessingTimeMs, 0)) * time.Millisecond,
		WorkerID:            r.string(fieldWorkerID),
		TopologyName:        r.string(fieldTopologyName),
	}
	at := r.occurredAt()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", progress.ErrInvalidNotification, r.err)
	}

	outcome, err := progress.ParseOutcome(r.string(fieldOutcome))
	if err != nil {
		return nil, err
	}
	e.Outcome = outcome

	evt := progress.NewNotificationEvent(e, at)
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

// ------------------------------------------------------------------------------------------------
// Task control

func serializeTaskSubmitted(payload any) (map[string]any, error) {
	e, ok := payload.(progress.TaskSubmittedEvent)
	if !ok {
		return nil, unexpected(progress.EventTypeTaskSubmitted, payload)
	}
	return map[string]any{
		fieldTaskID:              formatID(e.TaskID),
		fieldTopologyName:        e.TopologyName,
		fieldState:               e.State.String(),
		fieldExpectedRecordCount: e.ExpectedRecordCount,
		fieldIncremental:         e.Incremental,
		fieldDescription:         e.Description,
		fieldOccurredAt:          formatTime(e.OccurredAt()),
	}, nil
}

func deserializeTaskSubmitted(fields map[string]any) (any, error) {
	r := &fieldReader{fields: fields}
	evt := progress.NewTaskSubmittedEvent(
		r.requireInt64(fieldTaskID),
		r.string(fieldTopologyName),
		r.taskState(fieldState),
		r.int(fieldExpectedRecordCount, progress.UnknownExpectedCount),
		r.bool(fieldIncremental),
		r.string(fieldDescription),
		r.occurredAt(),
	)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", progress.ErrInvalidTask, r.err)
	}
	return evt, nil
}

func serializeExpectedSizeUpdated(payload any) (map[string]any, error) {
	e, ok := payload.(progress.TaskExpectedSizeUpdatedEvent)
	if !ok {
		return nil, unexpected(progress.EventTypeTaskExpectedSizeUpdated, payload)
	}
	return map[string]any{
		fieldTaskID:              formatID(e.TaskID),
		fieldExpectedRecordCount: e.ExpectedRecordCount,
		fieldOccurredAt:          formatTime(e.OccurredAt()),
	}, nil
}

func deserializeExpectedSizeUpdated(fields map[string]any) (any, error) {
	r := &fieldReader{fields: fields}
	taskID := r.requireInt64(fieldTaskID)
	if !r.present(fieldExpectedRecordCount) {
		r.fail(fieldExpectedRecordCount, errors.New("missing"))
	}
	evt := progress.NewTaskExpectedSizeUpdatedEvent(taskID, r.int(fieldExpectedRecordCount, 0), r.occurredAt())
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", progress.ErrInvalidTask, r.err)
	}
	return evt, nil
}

func serializeTaskInfoUpdated(payload any) (map[string]any, error) {
	e, ok := payload.(progress.TaskInfoUpdatedEvent)
	if !ok {
		return nil, unexpected(progress.EventTypeTaskInfoUpdated, payload)
	}
	return map[string]any{
		fieldTaskID:     formatID(e.TaskID),
		fieldState:      e.State.String(),
		fieldInfo:       e.Info,
		fieldStartTime:  formatTime(e.StartTime),
		fieldOccurredAt: formatTime(e.OccurredAt()),
	}, nil
}

func deserializeTaskInfoUpdated(fields map[string]any) (any, error) {
	r := &fieldReader{fields: fields}
	taskID := r.requireInt64(fieldTaskID)
	state := r.taskState(fieldState)
	if state == "" {
		r.fail(fieldState, errors.New("missing"))
	}
	evt := progress.NewTaskInfoUpdatedEvent(taskID, state, r.string(fieldInfo), r.time(fieldStartTime), r.occurredAt())
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", progress.ErrInvalidTask, r.err)
	}
	return evt, nil
}

// ------------------------------------------------------------------------------------------------
// Lifecycle

func serializeTaskStateChanged(payload any) (map[string]any, error) {
	e, ok := payload.(progress.TaskStateChangedEvent)
	if !ok {
		return nil, unexpected(progress.EventTypeTaskStateChanged, payload)
	}
	return map[string]any{
		fieldTaskID:          formatID(e.TaskID),
		fieldTopologyName:    e.TopologyName,
		fieldFromState:       e.From.String(),
		fieldToState:         e.To.String(),
		fieldProcessed:       e.Counters.Processed,
		fieldIgnoredCount:    e.Counters.Ignored,
		fieldDeletedCount:    e.Counters.Deleted,
		fieldProcessedErrors: e.Counters.ProcessedErrors,
		fieldDeletedErrors:   e.Counters.DeletedErrors,
		fieldOccurredAt:      formatTime(e.OccurredAt()),
	}, nil
}

func deserializeTaskStateChanged(fields map[string]any) (any, error) {
	r := &fieldReader{fields: fields}
	evt := progress.ReconstructTaskStateChangedEvent(
		r.requireInt64(fieldTaskID),
		r.string(fieldTopologyName),
		r.taskState(fieldFromState),
		r.taskState(fieldToState),
		progress.TaskCounterSet{
			Processed:       r.int(fieldProcessed, 0),
			Ignored:         r.int(fieldIgnoredCount, 0),
			Deleted:         r.int(fieldDeletedCount, 0),
			ProcessedErrors: r.int(fieldProcessedErrors, 0),
			DeletedErrors:   r.int(fieldDeletedErrors, 0),
		},
		r.occurredAt(),
	)
	if r.err != nil {
		return nil, r.err
	}
	return evt, nil
}
