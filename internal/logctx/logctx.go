// Package logctx carries the slog logger of a request or transfer inside its
// context.
package logctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, falling back to
// slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}

	return slog.Default()
}

// WithTransferID tags every record logged through ctx with the transfer id.
func WithTransferID(ctx context.Context, id uint32) context.Context {
	return With(ctx, "transfer_id", id)
}

// With adds attributes to the logger stored in ctx.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With(args...))
}
