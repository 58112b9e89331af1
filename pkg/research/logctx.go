package research

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// ContextWithLogger attaches l to ctx. Execute does this for every stage so
// capabilities called by the stage log into the run's log stream.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFrom returns the logger attached to ctx, then fallback, then the
// default logger.
func LoggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
