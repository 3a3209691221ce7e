package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextOrDiscard(t *testing.T) {
	assert.Same(t, discardLogger, FromContextOrDiscard(context.Background()))

	logger := New(&bytes.Buffer{}, slog.LevelInfo, false)
	ctx := NewContext(context.Background(), logger)
	assert.Same(t, logger, FromContextOrDiscard(ctx))
}

func TestNewOmitTime(t *testing.T) {
	for _, omit := range []bool{true, false} {
		var buf bytes.Buffer
		New(&buf, slog.LevelInfo, omit).Info("hello", "k", "v")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		_, hasTime := record[slog.TimeKey]
		assert.Equal(t, !omit, hasTime)
		assert.Equal(t, "hello", record[slog.MessageKey])
		assert.Equal(t, "v", record["k"])
	}
}

func TestNewLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, true)
	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
