package shared

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type messageIDKey struct{}
type workerIDKey struct{}

// WithRunID attaches the id of the current workload run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithMessageID attaches the id of the query message being executed.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID extracts message_id from context. Returns "" if absent.
func MessageID(ctx context.Context) string {
	if v, ok := ctx.Value(messageIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerID returns -1 when the context is not bound to a worker.
func WorkerID(ctx context.Context) int {
	if v, ok := ctx.Value(workerIDKey{}).(int); ok {
		return v
	}
	return -1
}
