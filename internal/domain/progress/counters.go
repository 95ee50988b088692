package progress

// TaskCounterSet holds the aggregate counters of one task. ProcessedErrors is a
// subset of Processed and DeletedErrors a subset of Deleted.
type TaskCounterSet struct {
	Processed       int
	Ignored         int
	Deleted         int
	ProcessedErrors int
	DeletedErrors   int
}

// TotalHandled is the number of distinct records that reached a terminal
// notification.
func (c TaskCounterSet) TotalHandled() int {
	return c.Processed + c.Ignored + c.Deleted
}

// Add returns c with d applied.
func (c TaskCounterSet) Add(d CounterDelta) TaskCounterSet {
	return TaskCounterSet{
		Processed:       c.Processed + d.Processed,
		Ignored:         c.Ignored + d.Ignored,
		Deleted:         c.Deleted + d.Deleted,
		ProcessedErrors: c.ProcessedErrors + d.ProcessedErrors,
		DeletedErrors:   c.DeletedErrors + d.DeletedErrors,
	}
}

// CounterDelta is the increment one accepted notification applies.
type CounterDelta struct {
	Processed       int
	Ignored         int
	Deleted         int
	ProcessedErrors int
	DeletedErrors   int

	// Incremental marks the task incremental for good. Once any counted
	// notification carries the flag, the task completes into
	// READY_FOR_POST_PROCESSING whichever path completes it.
	Incremental bool
}

// IsZero reports whether the delta changes nothing.
func (d CounterDelta) IsZero() bool { return d == CounterDelta{} }

// Classify maps a notification onto exactly one disposition bucket, deleted
// first, then ignored, then processed. An error outcome additionally bumps
// the error counter of the deleted or processed bucket. Ignored records never
// count as errors so that the error counters stay within their buckets; the
// error aggregate still records the occurrence.
func Classify(e NotificationEvent) CounterDelta {
	d := CounterDelta{Incremental: e.Incremental}
	switch {
	case e.Deleted:
		d.Deleted = 1
		if e.IsError() {
			d.DeletedErrors = 1
		}
	case e.Ignored:
		d.Ignored = 1
	default:
		d.Processed = 1
		if e.IsError() {
			d.ProcessedErrors = 1
		}
	}
	return d
}
