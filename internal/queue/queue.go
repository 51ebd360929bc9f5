// Package queue is the bounded FIFO that decouples query generation from
// execution.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once the queue
	// is closed and empty. It is a shutdown signal, not a failure.
	ErrClosed = errors.New("queue: closed")
	// ErrEmpty is returned by Pop when the timeout elapsed with nothing to take.
	ErrEmpty = errors.New("queue: empty")
	// ErrFull is returned by Push under DropNewest when at capacity.
	ErrFull = errors.New("queue: full")
)

// Policy decides what Push does when the queue is at capacity.
type Policy int

const (
	// Block waits for space or for ctx to end.
	Block Policy = iota
	// DropNewest rejects the incoming message with ErrFull.
	DropNewest
	// DropOldest evicts the head and reports it through OnEvict.
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return Block, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

type Options struct {
	// Capacity bounds the depth; 0 means unbounded.
	Capacity int
	Policy   Policy
	// OnEvict is called, outside the queue lock, for each message evicted
	// under DropOldest.
	OnEvict func(Message)
}

// Stats are cumulative counters since construction.
type Stats struct {
	Pushed   int64
	Popped   int64
	Rejected int64
	Evicted  int64
}

// Queue is safe for any number of concurrent producers and consumers.
// Each pushed message is handed to at most one Pop.
type Queue struct {
	opts Options

	mu      sync.Mutex
	items   []Message
	closed  bool
	changed chan struct{}

	pushed   atomic.Int64
	popped   atomic.Int64
	rejected atomic.Int64
	evicted  atomic.Int64
}

func New(opts Options) *Queue {
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	return &Queue{
		opts:    opts,
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Caller holds q.mu.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) fullLocked() bool {
	return q.opts.Capacity > 0 && len(q.items) >= q.opts.Capacity
}

// Push appends msg. At capacity the configured Policy applies.
func (q *Queue) Push(ctx context.Context, msg Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if !q.fullLocked() {
			q.items = append(q.items, msg)
			q.pushed.Add(1)
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}

		switch q.opts.Policy {
		case DropNewest:
			q.mu.Unlock()
			q.rejected.Add(1)
			return ErrFull
		case DropOldest:
			evicted := q.items[0]
			q.items[0] = Message{}
			q.items = append(q.items[1:], msg)
			q.pushed.Add(1)
			q.evicted.Add(1)
			q.notifyLocked()
			q.mu.Unlock()
			if q.opts.OnEvict != nil {
				q.opts.OnEvict(evicted)
			}
			return nil
		}

		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes the oldest message, waiting up to timeout for one to arrive.
// It returns ErrEmpty on timeout and ErrClosed once closed and drained.
// Messages still queued at Close remain poppable.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.popped.Add(1)
			q.notifyLocked()
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-timer.C:
			return Message{}, ErrEmpty
		case <-wait:
		}
	}
}

// Close rejects further pushes and wakes all blocked callers. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Drain removes and returns everything still queued, oldest first.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if len(out) > 0 {
		q.notifyLocked()
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity, 0 when unbounded.
func (q *Queue) Cap() int {
	return q.opts.Capacity
}

func (q *Queue) Policy() Policy {
	return q.opts.Policy
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Rejected: q.rejected.Load(),
		Evicted:  q.evicted.Load(),
	}
}
