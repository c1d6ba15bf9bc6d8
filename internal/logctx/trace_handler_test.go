package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSONLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestTraceHandler(t *testing.T) {
	tests := []struct {
		name      string
		ctx       func(t *testing.T) context.Context
		wantTrace bool
	}{
		{
			name:      "no span",
			ctx:       func(*testing.T) context.Context { return context.Background() },
			wantTrace: false,
		},
		{
			name: "invalid span context",
			ctx: func(*testing.T) context.Context {
				return trace.ContextWithSpanContext(context.Background(), trace.SpanContext{})
			},
			wantTrace: false,
		},
		{
			name: "valid span context",
			ctx: func(t *testing.T) context.Context {
				return trace.ContextWithSpanContext(context.Background(), spanContext(t))
			},
			wantTrace: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			newJSONLogger(&buf, slog.LevelInfo).InfoContext(tt.ctx(t), "step", "offset", 512)

			entry := decodeLine(t, &buf)
			assert.Equal(t, "step", entry["msg"])
			assert.InDelta(t, 512, entry["offset"], 0)

			if !tt.wantTrace {
				assert.NotContains(t, entry, "trace_id")
				assert.NotContains(t, entry, "span_id")

				return
			}

			assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
			assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
		})
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer

	ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t))
	logger := newJSONLogger(&buf, slog.LevelInfo).With("transfer_id", 7).WithGroup("download")

	_, ok := logger.Handler().(*TraceHandler)
	require.True(t, ok)

	logger.InfoContext(ctx, "chunk", "bytes", 4096)

	entry := decodeLine(t, &buf)
	assert.InDelta(t, 7, entry["transfer_id"], 0)
	assert.Equal(t, map[string]any{
		"bytes":    float64(4096),
		"trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":  "00f067aa0ba902b7",
	}, entry["download"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestWithTransferID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), newJSONLogger(&buf, slog.LevelInfo))
	ctx = WithTransferID(ctx, 42)

	LoggerFromContext(ctx).Info("transfer begun")

	entry := decodeLine(t, &buf)
	assert.InDelta(t, 42, entry["transfer_id"], 0)
}

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
