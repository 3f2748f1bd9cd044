package autoflow

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWith(t *testing.T) {
	t.Run("json output respects the level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWith(LoggerOptions{Writer: &buf, Level: slog.LevelWarn, JSON: true})
		logger.Info("hidden")
		logger.Warn("shown", "key", "value")

		out := buf.String()
		require.NotContains(t, out, "hidden")
		require.Contains(t, out, "shown")
		require.Contains(t, out, `"key":"value"`)
	})

	t.Run("text output to a non-terminal writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWith(LoggerOptions{Writer: &buf})
		logger.Info("engine started", "workflows", 2)
		require.Contains(t, buf.String(), "engine started")
	})
}
