package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesServiceTraceAndAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "notifier", func(context.Context) string { return "trace-1" })

	log.With("component", "processor").Info(context.Background(), "handled", "task_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "handled", rec["msg"])
	assert.Equal(t, "notifier", rec["service"])
	assert.Equal(t, "processor", rec["component"])
	assert.Equal(t, "trace-1", rec["trace_id"])
	assert.EqualValues(t, 7, rec["task_id"])
	assert.Contains(t, rec["file"], "logger_test.go")
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "notifier", nil)

	log.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_ErrorEventHook(t *testing.T) {
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelDebug, "notifier", nil, events, map[string]string{"pod": "p-0", "namespace": ""})

	log.Error(context.Background(), "storage down", "error", "timeout")

	assert.Equal(t, "storage down", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "timeout", got.Attributes["error"])

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "p-0", rec["pod"])
	_, hasNamespace := rec["namespace"]
	assert.False(t, hasNamespace, "empty metadata values are skipped")
}

func TestLoggerContext_AddAccumulates(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "notifier", nil))
	lc.Add("task_id", 1)
	lc.Add("record_id", "r1")

	lc.Debug(context.Background(), "step")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.EqualValues(t, 1, rec["task_id"])
	assert.Equal(t, "r1", rec["record_id"])
}

func TestNoop_DropsEverything(t *testing.T) {
	log := Noop()
	log.With("a", 1).Error(context.Background(), "nothing")
	assert.Same(t, log, log.With("a", 1))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nope"))
}
