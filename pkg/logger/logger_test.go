package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := Get()
	Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(old) })
	return &buf
}

func TestFormattedLogging(t *testing.T) {
	buf := capture(t)

	Infof("hello %s", "world")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello world", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestStructuredLogging(t *testing.T) {
	buf := capture(t)

	Warnw("session closed", "session_id", "abc123", "reason", "idle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session closed", entry["msg"])
	assert.Equal(t, "abc123", entry["session_id"])
	assert.Equal(t, "idle", entry["reason"])
}

func TestDefaultLoggerNeverNil(t *testing.T) {
	assert.NotNil(t, Get())
}
