// Package schema holds the table/column description the generation agent
// prompts with.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Column struct {
	Name string
	Type string
}

// Snapshot maps a schema-qualified table name to its columns in ordinal
// order. It is immutable once built; refreshes swap in a new Snapshot.
type Snapshot struct {
	tables     map[string][]Column
	names      []string
	capturedAt time.Time
}

// Builder accumulates catalog rows into a Snapshot.
type Builder struct {
	tables map[string][]Column
}

func NewBuilder() *Builder {
	return &Builder{tables: make(map[string][]Column)}
}

// Add appends a column to table. Calls for one table must arrive in
// ordinal order.
func (b *Builder) Add(table, column, dataType string) *Builder {
	b.tables[table] = append(b.tables[table], Column{Name: column, Type: dataType})
	return b
}

func (b *Builder) Build() *Snapshot {
	tables := make(map[string][]Column, len(b.tables))
	names := make([]string, 0, len(b.tables))
	for name, cols := range b.tables {
		tables[name] = append([]Column(nil), cols...)
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{tables: tables, names: names, capturedAt: time.Now()}
}

// Tables returns table names in lexical order.
func (s *Snapshot) Tables() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Columns returns a copy of the table's columns, or nil if unknown.
func (s *Snapshot) Columns(table string) []Column {
	if s == nil {
		return nil
	}
	cols, ok := s.tables[table]
	if !ok {
		return nil
	}
	return append([]Column(nil), cols...)
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

func (s *Snapshot) CapturedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.capturedAt
}

// Format renders the snapshot for a prompt, one block per table:
//
//	Table: public.orders
//	  Columns: id (integer), total (numeric)
//
// Output is deterministic for equal snapshots.
func (s *Snapshot) Format() string {
	if s.Len() == 0 {
		return "(no tables visible)"
	}
	var b strings.Builder
	for i, name := range s.names {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Table: %s\n  Columns: ", name)
		for j, col := range s.tables[name] {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col.Name)
			if col.Type != "" {
				fmt.Fprintf(&b, " (%s)", col.Type)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Source reads the current schema from somewhere authoritative.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Static always returns the same snapshot.
type Static struct {
	Snap *Snapshot
}

func (s Static) Snapshot(context.Context) (*Snapshot, error) {
	return s.Snap, nil
}

// Holder publishes the current snapshot to concurrent readers.
type Holder struct {
	src     Source
	current atomic.Pointer[Snapshot]
}

func NewHolder(src Source) *Holder {
	return &Holder{src: src}
}

// Refresh re-reads the source. On error the previous snapshot is kept.
func (h *Holder) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := h.src.Snapshot(ctx)
	if err != nil {
		return h.current.Load(), fmt.Errorf("refresh schema: %w", err)
	}
	h.current.Store(snap)
	return snap, nil
}

// Current returns the last successfully captured snapshot, or nil.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}
