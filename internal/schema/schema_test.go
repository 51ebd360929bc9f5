package schema_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/n-kumar7/sqlagent/internal/schema"
)

func shopSnapshot() *schema.Snapshot {
	return schema.NewBuilder().
		Add("public.orders", "id", "integer").
		Add("public.orders", "customer_id", "integer").
		Add("public.orders", "total", "numeric").
		Add("public.customers", "id", "integer").
		Add("public.customers", "email", "text").
		Build()
}

func TestSnapshot_FormatDeterministic(t *testing.T) {
	a := shopSnapshot().Format()
	b := shopSnapshot().Format()
	if a != b {
		t.Fatalf("format not deterministic:\n%s\n---\n%s", a, b)
	}
	want := "Table: public.customers\n  Columns: id (integer), email (text)\n\n" +
		"Table: public.orders\n  Columns: id (integer), customer_id (integer), total (numeric)\n"
	if a != want {
		t.Fatalf("format =\n%q\nwant\n%q", a, want)
	}
}

func TestSnapshot_ColumnsAreCopies(t *testing.T) {
	s := shopSnapshot()
	cols := s.Columns("public.orders")
	cols[0].Name = "mutated"
	if s.Columns("public.orders")[0].Name != "id" {
		t.Fatalf("snapshot was mutated through Columns()")
	}
	if s.Columns("public.missing") != nil {
		t.Fatalf("expected nil for unknown table")
	}
	if s.Len() != 2 || s.CapturedAt().IsZero() {
		t.Fatalf("unexpected len/captured: %d %v", s.Len(), s.CapturedAt())
	}
}

func TestSnapshot_EmptyFormat(t *testing.T) {
	var s *schema.Snapshot
	if !strings.Contains(s.Format(), "no tables") {
		t.Fatalf("unexpected empty format %q", s.Format())
	}
}

type flakySource struct {
	snaps []*schema.Snapshot
	errs  []error
	calls int
}

func (f *flakySource) Snapshot(context.Context) (*schema.Snapshot, error) {
	i := f.calls
	f.calls++
	return f.snaps[i], f.errs[i]
}

func TestHolder_RefreshKeepsLastGoodOnError(t *testing.T) {
	first := shopSnapshot()
	second := schema.NewBuilder().Add("public.items", "sku", "text").Build()
	src := &flakySource{
		snaps: []*schema.Snapshot{first, nil, second},
		errs:  []error{nil, errors.New("connection reset"), nil},
	}
	h := schema.NewHolder(src)
	if h.Current() != nil {
		t.Fatalf("expected nil before first refresh")
	}
	if _, err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh 1: %v", err)
	}
	got, err := h.Refresh(context.Background())
	if err == nil {
		t.Fatalf("expected refresh 2 to fail")
	}
	if got != first || h.Current() != first {
		t.Fatalf("failed refresh should keep the previous snapshot")
	}
	if _, err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh 3: %v", err)
	}
	if h.Current() != second {
		t.Fatalf("expected holder to swap in the new snapshot")
	}
}
