package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func staticCompleter(reply string, err error, calls *int) Completer {
	return CompleterFunc(func(context.Context, string) (string, error) {
		*calls++
		return reply, err
	})
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	var primaryCalls, fallbackCalls int
	fc := NewFailoverCompleter(
		NamedCompleter{Name: "primary", Completer: staticCompleter("primary", nil, &primaryCalls)},
		[]NamedCompleter{{Name: "fallback", Completer: staticCompleter("fallback", nil, &fallbackCalls)}},
		5, time.Minute,
	)
	got, err := fc.Complete(context.Background(), "p")
	if err != nil || got != "primary" {
		t.Fatalf("got %q, %v", got, err)
	}
	if primaryCalls != 1 || fallbackCalls != 0 {
		t.Fatalf("calls primary=%d fallback=%d", primaryCalls, fallbackCalls)
	}
}

func TestFailover_FallbackOnFailure(t *testing.T) {
	var primaryCalls, fallbackCalls int
	fc := NewFailoverCompleter(
		NamedCompleter{Name: "primary", Completer: staticCompleter("", errors.New("503 service unavailable"), &primaryCalls)},
		[]NamedCompleter{{Name: "fallback", Completer: staticCompleter("fallback", nil, &fallbackCalls)}},
		5, time.Minute,
	)
	got, err := fc.Complete(context.Background(), "p")
	if err != nil || got != "fallback" {
		t.Fatalf("got %q, %v", got, err)
	}
	if primaryCalls != 1 || fallbackCalls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primaryCalls, fallbackCalls)
	}
}

func TestFailover_BreakerTripsAndResets(t *testing.T) {
	var primaryCalls, fallbackCalls int
	fc := NewFailoverCompleter(
		NamedCompleter{Name: "primary", Completer: staticCompleter("", errors.New("boom"), &primaryCalls)},
		[]NamedCompleter{{Name: "fallback", Completer: staticCompleter("ok", nil, &fallbackCalls)}},
		2, time.Minute,
	)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := fc.Complete(context.Background(), "p"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if primaryCalls != 2 {
		t.Fatalf("tripped primary should be skipped, calls=%d", primaryCalls)
	}
	if got := fc.Tripped(); len(got) != 1 || got[0] != "primary" {
		t.Fatalf("tripped: %v", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fc.Complete(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}
	if primaryCalls != 3 {
		t.Fatalf("primary should be retried after cooldown, calls=%d", primaryCalls)
	}
}

func TestFailover_ContextOverflowStops(t *testing.T) {
	var primaryCalls, fallbackCalls int
	fc := NewFailoverCompleter(
		NamedCompleter{Name: "primary", Completer: staticCompleter("", errors.New("maximum context length exceeded"), &primaryCalls)},
		[]NamedCompleter{{Name: "fallback", Completer: staticCompleter("ok", nil, &fallbackCalls)}},
		5, time.Minute,
	)
	_, err := fc.Complete(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "context overflow") {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if fallbackCalls != 0 {
		t.Fatal("fallback should not be tried on context overflow")
	}
}

func TestFailover_AllFail(t *testing.T) {
	var a, b int
	fc := NewFailoverCompleter(
		NamedCompleter{Name: "a", Completer: staticCompleter("", errors.New("first"), &a)},
		[]NamedCompleter{{Name: "b", Completer: staticCompleter("", errors.New("second"), &b)}},
		5, time.Minute,
	)
	_, err := fc.Complete(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "second") {
		t.Fatalf("expected last error wrapped, got %v", err)
	}
}
