// Package bus fans workload events (query lifecycle, generation failures,
// steady cycles, schema refreshes, state changes) out to in-process
// observers such as the SSE endpoint.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is one published occurrence. Seq increases by one per Publish
// call, so a subscriber that sees a gap knows it missed events.
type Event struct {
	Seq     uint64
	Topic   string
	At      time.Time
	Payload any
}

// Subscription receives the events whose topic starts with one of its
// prefixes.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped is how many matching events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus never blocks a publisher: the engine and agent publish from their
// hot paths, so a slow observer loses events instead of stalling them.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	seq     atomic.Uint64
	dropped atomic.Int64
	now     func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers for every topic starting with one of prefixes, for
// example "query." for the whole query lifecycle. No prefixes, or a single
// empty one, matches everything.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(defaultBufferSize, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer.
func (b *Bus) SubscribeBuffered(buffer int, prefixes ...string) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	var keep []string
	for _, p := range prefixes {
		if p == "" {
			keep = nil
			break
		}
		keep = append(keep, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: keep,
		ch:       make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		At:      b.now(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total number of deliveries lost across all subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
