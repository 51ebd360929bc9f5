package shared

import (
	"context"
	"testing"
)

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewRunID()
	if got := RunID(WithRunID(ctx, id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestMessageID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := MessageID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithMessageID(ctx, "m-1")
	if got := MessageID(ctx); got != "m-1" {
		t.Fatalf("expected m-1, got %q", got)
	}
}

func TestWorkerID_Unset(t *testing.T) {
	ctx := context.Background()
	if got := WorkerID(ctx); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
	ctx = WithWorkerID(ctx, 3)
	if got := WorkerID(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
