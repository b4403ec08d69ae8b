package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(LevelWarn, &buf)

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 1, lines)
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(LevelDebug, &buf)

	logger.WithComponent("detector").Info("content validated", "session_id", "s1", "contradictions", 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "content validated", entry["message"])
	assert.Equal(t, "detector", entry["component"])

	fields, ok := entry["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, float64(2), fields["contradictions"])
}

func TestTraceIDPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(LevelDebug, &buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	require.Equal(t, "trace-123", TraceID(ctx))

	logger.InfoContext(ctx, "request handled")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, LevelInfo, ParseLevel("chatty"))
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
}
