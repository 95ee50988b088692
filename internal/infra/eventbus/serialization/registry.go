// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. It acts as a translation layer between
// domain objects and their wire format.
//
// Every message on the wire is a protobuf google.protobuf.Struct of the form
// {"type": <event type>, "payload": {...}}. Payload fields are coerced into typed
// domain events exactly once, here, so handlers never see loosely typed maps.
// Producers outside the Go code base only need a JSON-like document with the
// documented field names; numbers, booleans and timestamps are accepted leniently.
package serialization

import (
	"fmt"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	serializationerrors "github.com/ecloud/dps-notifier/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain object into its payload fields.
type SerializeFunc func(payload any) (map[string]any, error)

// DeserializeFunc converts payload fields back into a domain object.
type DeserializeFunc func(fields map[string]any) (any, error)

// Global registries map event types to their serialization functions.
// This allows for dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into payload fields using the registered
// serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) (map[string]any, error) {
	if payload == nil {
		return nil, serializationerrors.ErrNilEvent{EventType: eventType.String()}
	}
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts payload fields back into a domain object using the
// registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, fields map[string]any) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(fields)
}

// SerializeEventEnvelope encodes payload under eventType into wire bytes.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	fields, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return marshalEnvelope(eventType, fields)
}

// DeserializeEventEnvelope decodes wire bytes into the event type and its typed payload.
func DeserializeEventEnvelope(data []byte) (events.EventType, any, error) {
	eventType, fields, err := unmarshalEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	payload, err := DeserializePayload(eventType, fields)
	if err != nil {
		return eventType, nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}
	return eventType, payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for every event type the notifier
// consumes or publishes.
func RegisterEventSerializers() {
	registerProgressSerializers()
}
