package traceutil

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type traceIDKey struct{}

// NewTraceContext derives a context carrying a fresh trace ID.
func NewTraceContext(ctx context.Context) context.Context {
	return SetTraceID(ctx, uuid.New().String())
}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// Field renders the context's trace ID as a zap field.
func Field(ctx context.Context) zap.Field {
	return zap.String("trace-id", TraceID(ctx))
}
