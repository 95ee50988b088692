package serialization

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ecloud/dps-notifier/internal/domain/events"
)

const (
	envelopeTypeField    = "type"
	envelopePayloadField = "payload"
)

// ErrMalformedEnvelope is returned for bytes that are not a {type, payload} struct.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

func marshalEnvelope(eventType events.EventType, fields map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		envelopeTypeField:    eventType.String(),
		envelopePayloadField: fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope for %s: %w", eventType, err)
	}

	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for %s: %w", eventType, err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (events.EventType, map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	typ := st.GetFields()[envelopeTypeField].GetStringValue()
	if typ == "" {
		return "", nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, envelopeTypeField)
	}
	payload := st.GetFields()[envelopePayloadField].GetStructValue()
	if payload == nil {
		return "", nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, envelopePayloadField)
	}

	return events.EventType(typ), payload.AsMap(), nil
}
