package progress

import "time"

// ProcessedRecord is one entry of the dedupe ledger: the last committed state
// of a record within a task.
type ProcessedRecord struct {
	taskID    int64
	recordID  string
	attempt   int
	state     RecordState
	workerID  string
	updatedAt time.Time
}

// NewProcessedRecord builds a ledger entry for a counted notification.
func NewProcessedRecord(taskID int64, recordID string, attempt int, state RecordState, workerID string, at time.Time) *ProcessedRecord {
	return &ProcessedRecord{
		taskID:    taskID,
		recordID:  recordID,
		attempt:   attempt,
		state:     state,
		workerID:  workerID,
		updatedAt: at,
	}
}

// ReconstructProcessedRecord rebuilds an entry from storage.
func ReconstructProcessedRecord(taskID int64, recordID string, attempt int, state RecordState, workerID string, updatedAt time.Time) *ProcessedRecord {
	return NewProcessedRecord(taskID, recordID, attempt, state, workerID, updatedAt)
}

func (r *ProcessedRecord) TaskID() int64        { return r.taskID }
func (r *ProcessedRecord) RecordID() string     { return r.recordID }
func (r *ProcessedRecord) Attempt() int         { return r.attempt }
func (r *ProcessedRecord) State() RecordState   { return r.state }
func (r *ProcessedRecord) WorkerID() string     { return r.workerID }
func (r *ProcessedRecord) UpdatedAt() time.Time { return r.updatedAt }

// DedupeDecision tells a store what to do with an incoming ledger write.
type DedupeDecision int

const (
	// DedupeCount: the record never finished before; write and count it.
	DedupeCount DedupeDecision = iota
	// DedupeSkip: same or older attempt of a finished record; no write.
	DedupeSkip
	// DedupeRefresh: newer attempt of a finished record; update the ledger
	// row without counting the record a second time.
	DedupeRefresh
)

// Decide compares the stored entry (nil when absent) with an incoming write.
// Both stores apply this rule, the postgres store against the locked row.
func Decide(existing *ProcessedRecord, incomingAttempt int) DedupeDecision {
	switch {
	case existing == nil || !existing.state.IsFinished():
		return DedupeCount
	case incomingAttempt > existing.attempt:
		return DedupeRefresh
	default:
		return DedupeSkip
	}
}

// IsDuplicateOf reports whether an incoming notification with the given
// attempt would be absorbed without counting.
func (r *ProcessedRecord) IsDuplicateOf(attempt int) bool {
	return Decide(r, attempt) != DedupeCount
}
