// Package audit persists the trail of generated statements and their
// outcomes. Sinks are append-only.
package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Generated is one statement produced by the generation agent, recorded
// before it is queued.
type Generated struct {
	MessageID string    `json:"message_id"`
	Seq       int64     `json:"seq"`
	Source    string    `json:"source"`
	SQL       string    `json:"sql"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the terminal result of executing one message.
type Outcome struct {
	MessageID    string    `json:"message_id"`
	Source       string    `json:"source"`
	Success      bool      `json:"success"`
	Kind         string    `json:"kind,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	RowsAffected int64     `json:"rows_affected"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Dropped records a message that was accepted but will never execute.
type Dropped struct {
	MessageID string    `json:"message_id"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Event is a lifecycle record: startup failures, state transitions, skipped
// generation cycles.
type Event struct {
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

type Sink interface {
	RecordGenerated(ctx context.Context, g Generated) error
	RecordOutcome(ctx context.Context, o Outcome) error
	RecordDropped(ctx context.Context, d Dropped) error
	RecordEvent(ctx context.Context, e Event) error
	Close() error
}

// Multi fans every record out to all sinks. A record fails if any sink fails.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) RecordGenerated(ctx context.Context, g Generated) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordGenerated(ctx, g))
	}
	return errors.Join(errs...)
}

func (m *Multi) RecordOutcome(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordOutcome(ctx, o))
	}
	return errors.Join(errs...)
}

func (m *Multi) RecordDropped(ctx context.Context, d Dropped) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordDropped(ctx, d))
	}
	return errors.Join(errs...)
}

func (m *Multi) RecordEvent(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordEvent(ctx, e))
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Counting wraps a sink and keeps totals for status reporting.
type Counting struct {
	Sink
	generated atomic.Int64
	outcomes  atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
}

func NewCounting(s Sink) *Counting {
	return &Counting{Sink: s}
}

func (c *Counting) RecordGenerated(ctx context.Context, g Generated) error {
	if err := c.Sink.RecordGenerated(ctx, g); err != nil {
		return err
	}
	c.generated.Add(1)
	return nil
}

func (c *Counting) RecordOutcome(ctx context.Context, o Outcome) error {
	c.outcomes.Add(1)
	if !o.Success {
		c.failures.Add(1)
	}
	return c.Sink.RecordOutcome(ctx, o)
}

func (c *Counting) RecordDropped(ctx context.Context, d Dropped) error {
	c.dropped.Add(1)
	return c.Sink.RecordDropped(ctx, d)
}

// Totals is a point-in-time snapshot of the counters.
type Totals struct {
	Generated int64 `json:"generated"`
	Executed  int64 `json:"executed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (c *Counting) Totals() Totals {
	return Totals{
		Generated: c.generated.Load(),
		Executed:  c.outcomes.Load(),
		Failed:    c.failures.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordGenerated(context.Context, Generated) error { return nil }
func (Nop) RecordOutcome(context.Context, Outcome) error     { return nil }
func (Nop) RecordDropped(context.Context, Dropped) error     { return nil }
func (Nop) RecordEvent(context.Context, Event) error         { return nil }
func (Nop) Close() error                                     { return nil }
