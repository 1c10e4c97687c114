// Package telemetry provides structured logging for the taskwrap agent.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured JSON logger with the given minimum level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new ULID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = ulid.Make().String()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ExecutionLogger returns a logger with execution-scoped fields.
func ExecutionLogger(logger *slog.Logger, ctx context.Context, taskName string) *slog.Logger {
	attrs := []any{
		slog.String("task", taskName),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
