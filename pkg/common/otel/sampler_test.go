package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestEndpointExcluder(t *testing.T) {
	t.Parallel()

	sampler := newEndpointExcluder(map[string]struct{}{"/v1/liveness": {}}, 1)
	traceID := trace.TraceID{0x01}

	tests := []struct {
		name string
		span string
		want sdktrace.SamplingDecision
	}{
		{name: "excluded route", span: "/v1/liveness", want: sdktrace.Drop},
		{name: "other span", span: "progress.process_notification", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := sampler.ShouldSample(sdktrace.SamplingParameters{TraceID: traceID, Name: tt.span})
			assert.Equal(t, tt.want, got.Decision)
		})
	}

	never := newEndpointExcluder(nil, 0)
	assert.Equal(t, sdktrace.Drop, never.ShouldSample(sdktrace.SamplingParameters{TraceID: traceID, Name: "x"}).Decision)
}
