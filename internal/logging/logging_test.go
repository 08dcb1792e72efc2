package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", FormatJSON, &buf)

	logger.Debug("hidden")
	logger.Info("session started", "session_id", "s1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "session started", rec["msg"])
	assert.Equal(t, "s1", rec["session_id"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestNew_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "", &buf)

	logger.Info("hidden")
	logger.Warn("slow observer", "observer_id", "o1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=\"slow observer\"")
	assert.Contains(t, out, "observer_id=o1")
}

func TestNew_Console(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New("debug", FormatConsole, &buf).With("component", "hub")

	logger.Debug("fan out", "observers", 2)
	logger.WithGroup("req").Error("failed", "id", "r1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DBG fan out")
	assert.Contains(t, lines[0], "component=hub")
	assert.Contains(t, lines[0], "observers=2")
	assert.Contains(t, lines[1], "ERR failed")
	assert.Contains(t, lines[1], "req.id=r1")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}
