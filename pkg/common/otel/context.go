package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is reported for work that runs outside any sampled span.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id carried by ctx, or all zeros.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return zeroTraceID
	}
	return sc.TraceID().String()
}
