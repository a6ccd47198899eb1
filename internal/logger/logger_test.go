package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got, s)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestContextHelpers checks that the logger travels through the context with its name and fields.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := ToContext(context.Background(), NewWithWriter(&buf, zapcore.DebugLevel))
	ctx = WithName(ctx, "update-watcher")
	ctx = WithKV(ctx, "hash", "abc")

	InfoKV(ctx, "Published", "directory", "/tmp/x")
	require.NoError(t, FromContext(ctx).Sync())

	out := buf.String()
	require.Contains(t, out, "update-watcher")
	require.Contains(t, out, "Published")
	require.Contains(t, out, "abc")
	require.Contains(t, out, "/tmp/x")
}

// TestFromContext_FallsBackToGlobal ensures a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}

// TestWithMinLevel verifies a context logger can be quieter than the shared level.
func TestWithMinLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := ToContext(context.Background(), NewWithWriter(&buf, zapcore.DebugLevel))
	ctx = WithMinLevel(ctx, zapcore.WarnLevel)
	ctx = WithKV(ctx, "hash", "abc")

	InfoKV(ctx, "Routine progress")
	WarnKV(ctx, "Something odd")
	require.NoError(t, FromContext(ctx).Sync())

	out := buf.String()
	require.NotContains(t, out, "Routine progress")
	require.Contains(t, out, "Something odd")
	require.Contains(t, out, "abc")
}
