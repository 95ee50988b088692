package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

func TestInitTelemetry_WithoutEndpoint(t *testing.T) {
	tp, cleanup, err := InitTelemetry(logger.Noop(), Config{ServiceName: "dps-notifier"})
	require.NoError(t, err)
	defer cleanup(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestGetTraceID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zeroTraceID, GetTraceID(context.Background()))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	assert.NotEqual(t, zeroTraceID, GetTraceID(ctx))
}

func TestNewResource_SkipsEmptyAttributes(t *testing.T) {
	t.Parallel()

	res := newResource(Config{
		ServiceName: "dps-notifier",
		ResourceAttributes: map[string]string{
			"deployment.environment": "",
			"service.instance.id":    "notifier-0",
		},
	})

	set := res.Set()
	name, ok := set.Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "dps-notifier", name.AsString())

	id, ok := set.Value(attribute.Key("service.instance.id"))
	require.True(t, ok)
	assert.Equal(t, "notifier-0", id.AsString())

	_, ok = set.Value(attribute.Key("deployment.environment"))
	assert.False(t, ok)
}
