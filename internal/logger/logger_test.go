package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.in))
		})
	}
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Init(Options{Level: "warn", Format: "json", Output: &buf})

	log.Info("dropped")
	WithComponent("scan").Warn("kept", "session_id", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "scan", line["component"])
	assert.Equal(t, "abc", line["session_id"])
}

func TestInitText(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Output: &buf})

	Get().Debug("hello", "n", 1)
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), "\x1b[", "colors are disabled for non-terminals")
}
