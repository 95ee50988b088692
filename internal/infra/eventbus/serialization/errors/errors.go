package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrInvalidField indicates that a payload field is missing or cannot be
// coerced into the type the event needs.
type ErrInvalidField struct {
	Field string
	Err   error
}

func (e ErrInvalidField) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidField) Unwrap() error { return e.Err }

// ErrUnexpectedPayload indicates that a serializer received a payload of the
// wrong Go type for its event type.
type ErrUnexpectedPayload struct {
	EventType string
	Payload   any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("unexpected payload %T for %s", e.Payload, e.EventType)
}
