package progress

import "errors"

var (
	// ErrTaskNotFound is returned when a task row does not exist. A
	// notification for such a task is a data-integrity failure, never an
	// implicit task creation.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyExists is returned when a task id is submitted twice.
	ErrTaskAlreadyExists = errors.New("task already exists")

	// ErrRecordNotFound is returned when the dedupe ledger has no entry for
	// a (task, record) pair.
	ErrRecordNotFound = errors.New("processed record not found")

	// ErrErrorTypeNotFound is returned when a task has no aggregate for the
	// requested error type.
	ErrErrorTypeNotFound = errors.New("error type not found")

	// ErrReportNotFound is returned when a task has no error report at all.
	ErrReportNotFound = errors.New("error report not found")

	// ErrInvalidTransition is returned when a task state change breaks the
	// lifecycle rules.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrInvalidNotification is returned when an ingress payload cannot be
	// turned into a NotificationEvent.
	ErrInvalidNotification = errors.New("invalid notification")

	// ErrInvalidTask is returned when task submission data is malformed.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidRange is returned for malformed report ranges and limits.
	ErrInvalidRange = errors.New("invalid report range")
)
