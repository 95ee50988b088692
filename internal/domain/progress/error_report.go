package progress

import (
	"unicode/utf8"

	"github.com/google/uuid"
)

// errorTypeNamespace scopes the name-based UUIDs that identify error types.
var errorTypeNamespace = uuid.MustParse("6f1c8a52-3d0e-5b8e-9a4c-2f1d7e8b9c01")

// ErrorTypeFor derives the error type id from the error message. Equal
// messages always map to the same id, on every instance.
func ErrorTypeFor(message string) uuid.UUID {
	return uuid.NewSHA1(errorTypeNamespace, []byte(message))
}

// DefaultMaxAdditionalInfoBytes bounds the stored size of an error detail.
const DefaultMaxAdditionalInfoBytes = 4096

// DefaultErrorDetailThreshold is the number of detail samples kept per error
// type; occurrences beyond it are only counted.
const DefaultErrorDetailThreshold = 100

const truncationSuffix = "..."

// TruncateAdditionalInfo cuts s to at most maxBytes bytes without splitting a
// UTF-8 sequence. Truncated values end with "...". The result depends only on
// the inputs.
func TruncateAdditionalInfo(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	if maxBytes <= len(truncationSuffix) {
		return truncationSuffix[:maxBytes]
	}

	cut := maxBytes - len(truncationSuffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix
}

// ErrorTypeSummary is the aggregate for one (task, error type).
type ErrorTypeSummary struct {
	TaskID      int64
	ErrorType   uuid.UUID
	Message     string
	Occurrences int
}

// ErrorDetail is one stored sample of an error occurrence.
type ErrorDetail struct {
	TaskID         int64
	ErrorType      uuid.UUID
	RecordID       string
	AdditionalInfo string
}

// ErrorTypeReport is a summary with up to N detail samples.
type ErrorTypeReport struct {
	ErrorType   uuid.UUID
	Message     string
	Occurrences int
	Details     []ErrorDetail
}

// TaskErrorsInfo is the error report of one task.
type TaskErrorsInfo struct {
	TaskID int64
	Errors []ErrorTypeReport
}

// TotalOccurrences sums the occurrences across every error type.
func (i TaskErrorsInfo) TotalOccurrences() int {
	var n int
	for _, e := range i.Errors {
		n += e.Occurrences
	}
	return n
}
