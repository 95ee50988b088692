package events

import "context"

// EventHandler processes envelopes for a fixed set of event types. The
// subscriber wiring uses SupportedEvents to decide which topics to join.
type EventHandler interface {
	// HandleEvent processes an envelope. The handler calls ack exactly once on
	// success; a returned error means the envelope must be delivered again.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}

// PermanentError marks a handler failure that redelivery cannot fix, such as
// a malformed payload or a reference to an entity that does not exist.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
