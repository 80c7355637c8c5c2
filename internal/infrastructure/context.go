package infrastructure

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// TraceIDContextKey carries the request id, or the OTel trace id when a span is active
	TraceIDContextKey contextKey = "trace_id"
	// JobIDContextKey carries the id of the pipeline job a report runs under
	JobIDContextKey contextKey = "job_id"
)

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDContextKey)
}

// WithJobID marks ctx as running inside a background job. Every record
// logged with the context then carries the job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDContextKey, jobID)
}

// GetJobID returns the job id, or "" for interactive runs
func GetJobID(ctx context.Context) string {
	return stringValue(ctx, JobIDContextKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithComponent creates a logger with a component field.
// A nil logger falls back to the global logger.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}

// WithError creates a logger with an error field
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}
