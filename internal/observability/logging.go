// Package observability provides structured, context-correlated logging on
// top of log/slog, following the teacher's internal/observability/logging.go
// shape (JSON handler by default, request/tenant/trace correlation via
// slog.Group).
package observability

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantIDKey  contextKey = "tenant_id"
	traceIDKey   contextKey = "trace_id"
)

// WithRequestID, WithTenantID, WithTraceID thread correlation ids through a
// context for later extraction by WithContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// Logger wraps slog.Logger and injects correlation fields from context.
type Logger struct {
	base *slog.Logger
}

// New builds a Logger. format is "json" or "text"; level is one of
// debug/info/warn/error.
func New(format, level string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &Logger{base: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger with request/tenant/trace fields attached,
// grouped under "ctx" the way the teacher groups correlation fields.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	var attrs []any
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		attrs = append(attrs, "tenant_id", v)
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		attrs = append(attrs, "trace_id", v)
	}
	if len(attrs) == 0 {
		return l.base
	}
	return l.base.With(slog.Group("ctx", attrs...))
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}
