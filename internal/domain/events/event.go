package events

import (
	"context"
	"time"
)

// DomainEvent is implemented by every event the notifier emits or consumes.
// Concrete events live next to the aggregate they describe.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType
	// OccurredAt records when the event was created.
	OccurredAt() time.Time
}

// EventMetadata carries transport-level information about where an event was
// read from. It is informational only; the domain never seeks by it.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope encapsulates all event data flowing through the bus, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the task id so that all
	// notifications for one task land on the same partition.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created or received.
	Timestamp time.Time

	// Payload contains the decoded domain event. The concrete type depends on
	// the EventType.
	Payload any

	Metadata EventMetadata
}

// AckFunc acknowledges an event. A nil error means the event was handled and
// its position can be committed; a non-nil error leaves it uncommitted.
type AckFunc func(err error)

// HandlerFunc processes a single envelope.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
