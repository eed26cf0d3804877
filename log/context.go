package log

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationIDType int

const requestIDKey correlationIDType = iota

// WithRequestID returns a context which knows its request ID.
// A request ID tracks the lifecycle of a single request across goroutines,
// e.g. an inbound call from the peer and the handler serving it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithNewRequestID does the same thing as WithRequestID but generates a new, random requestID.
func WithNewRequestID(ctx context.Context) context.Context {
	return WithRequestID(ctx, uuid.NewString())
}

// RequestID extracts the request id from a context object.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// ZContext returns a field with the request id, or a no-op field if there is none.
func ZContext(ctx context.Context) zap.Field {
	if id, ok := RequestID(ctx); ok {
		return zap.String("requestId", id)
	}
	return zap.Skip()
}
