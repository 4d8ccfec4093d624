package logging

import (
	"context"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	loggerKey
)

// WithCorrelationIDCtx returns a new context with the correlation ID set.
func WithCorrelationIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromCtx extracts the correlation ID from the context.
func CorrelationIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to ctx, or the global logger tagged
// with the context's correlation ID.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return ContextLogger(ctx, nil)
}

// ContextLogger returns base, or the logger attached to ctx when there is
// one, tagged with the context's correlation ID.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id := CorrelationIDFromCtx(ctx); id != "" && id != l.correlationID {
		l = l.WithCorrelationID(id)
	}
	return l
}
