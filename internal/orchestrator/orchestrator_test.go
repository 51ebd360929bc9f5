package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n-kumar7/sqlagent/internal/agent"
	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/orchestrator"
	"github.com/n-kumar7/sqlagent/internal/schema"
	"github.com/n-kumar7/sqlagent/internal/shared"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakePool struct {
	slots  chan struct{}
	exec   func(ctx context.Context, sql string) (db.ExecResult, error)
	closed atomic.Bool
}

func (p *fakePool) Acquire(ctx context.Context) (db.Conn, error) {
	select {
	case p.slots <- struct{}{}:
		return &fakeConn{p: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePool) Stat() db.PoolStat {
	return db.PoolStat{MaxConns: int32(cap(p.slots)), AcquiredConns: int32(len(p.slots))}
}

func (p *fakePool) Close() { p.closed.Store(true) }

type fakeConn struct {
	p    *fakePool
	once sync.Once
}

func (c *fakeConn) Exec(ctx context.Context, sql string, _ int) (db.ExecResult, error) {
	return c.p.exec(ctx, sql)
}
func (c *fakeConn) Release() { c.once.Do(func() { <-c.p.slots }) }
func (c *fakeConn) Destroy() { c.once.Do(func() { <-c.p.slots }) }

func shopSchema() schema.Source {
	return schema.Static{Snap: schema.NewBuilder().
		Add("public.customers", "id", "integer").
		Add("public.orders", "customer_id", "integer").
		Build()}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DB.DSN = "postgres://unused"
	cfg.Agent.Goal = "analyze customer order patterns"
	cfg.Agent.IntervalMillis = 0
	cfg.Agent.RetryBaseMillis = 1
	cfg.Engine.Workers = 2
	cfg.Engine.PollMs = 10
	cfg.Queue.Capacity = 4
	cfg.Steady.IntervalSeconds = 0.05
	cfg.Steady.Workers = 1
	cfg.Steady.Queries = []config.SteadyQuery{{Name: "ping", SQL: "SELECT 1"}}
	return cfg
}

// counter hands out a distinct statement per call.
func counter() agent.Completer {
	var n atomic.Int64
	return agent.CompleterFunc(func(context.Context, string) (string, error) {
		return fmt.Sprintf("```sql\n-- Purpose: count\nSELECT %d\n```", n.Add(1)), nil
	})
}

func newOrchestrator(t *testing.T, cfg config.Config, pool *fakePool, c agent.Completer, sink audit.Sink) *orchestrator.Orchestrator {
	t.Helper()
	return orchestrator.New(orchestrator.Options{
		Config: cfg,
		Connect: func(context.Context) (db.Pool, schema.Source, error) {
			return pool, shopSchema(), nil
		},
		Completer: c,
		Audit:     sink,
		Bus:       bus.New(),
	})
}

func quickPool(size int) *fakePool {
	return &fakePool{
		slots: make(chan struct{}, size),
		exec: func(context.Context, string) (db.ExecResult, error) {
			return db.ExecResult{RowsAffected: 1}, nil
		},
	}
}

func TestLifecycle(t *testing.T) {
	pool := quickPool(4)
	o := newOrchestrator(t, testConfig(), pool, counter(), nil)
	if o.State() != orchestrator.StateIdle {
		t.Fatalf("initial state %s", o.State())
	}
	if err := o.Stop(time.Second); !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Fatalf("stop before start: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if o.State() != orchestrator.StateRunning {
		t.Fatalf("state after start %s", o.State())
	}
	if err := o.Start(context.Background()); !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Fatalf("second start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		h := o.Health()
		return h.Totals.Executed > 5 && h.Steady != nil && h.Steady.Cycles > 0
	})
	h := o.Health()
	if !h.Healthy || h.WorkerCount != 2 || h.QueueCapacity != 4 || h.SchemaTables != 2 {
		t.Fatalf("health: %+v", h)
	}

	if err := o.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if o.State() != orchestrator.StateStopped || !pool.closed.Load() {
		t.Fatalf("state=%s pool closed=%v", o.State(), pool.closed.Load())
	}
	if err := o.Stop(time.Second); !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_ConnectFailureIsFatal(t *testing.T) {
	o := orchestrator.New(orchestrator.Options{
		Config: testConfig(),
		Connect: func(context.Context) (db.Pool, schema.Source, error) {
			return nil, nil, fmt.Errorf("dial: %w", db.ErrUnreachable)
		},
		Completer: counter(),
	})
	err := o.Start(context.Background())
	var se *orchestrator.StartupError
	if !errors.As(err, &se) || se.ReasonCode != orchestrator.ReasonDBConnect {
		t.Fatalf("expected db startup error, got %v", err)
	}
	if !errors.Is(err, db.ErrUnreachable) {
		t.Fatal("cause should be preserved")
	}
	if o.State() != orchestrator.StateStopped {
		t.Fatalf("state %s", o.State())
	}
}

func TestStart_BadScheduleIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Steady.Schedule = "every now and then"
	pool := quickPool(4)
	o := newOrchestrator(t, cfg, pool, counter(), nil)
	err := o.Start(context.Background())
	var se *orchestrator.StartupError
	if !errors.As(err, &se) || se.ReasonCode != orchestrator.ReasonSteadyConfig {
		t.Fatalf("expected steady config error, got %v", err)
	}
	if !pool.closed.Load() {
		t.Fatal("pool should be closed on startup failure")
	}
}

// Every generated message ends up either executed or reported dropped,
// even when shutdown cuts the drain short.
func TestStop_AccountsForEveryMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Steady.Queries = nil
	cfg.Queue.Capacity = 10
	pool := &fakePool{
		slots: make(chan struct{}, 4),
		exec: func(ctx context.Context, _ string) (db.ExecResult, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return db.ExecResult{}, nil
			case <-ctx.Done():
				return db.ExecResult{}, ctx.Err()
			}
		},
	}
	sink := audit.NewCounting(audit.Nop{})
	o := newOrchestrator(t, cfg, pool, counter(), sink)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return o.Health().QueueDepth == 10 })

	if err := o.Stop(50 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	totals := sink.Totals()
	if totals.Generated == 0 {
		t.Fatal("nothing generated")
	}
	if totals.Executed+totals.Dropped != totals.Generated {
		t.Fatalf("unaccounted messages: %+v", totals)
	}
	if totals.Dropped < 8 {
		t.Fatalf("queued messages should be dropped at shutdown: %+v", totals)
	}
}

func TestApply_HotReloadsGoalAndSteadySet(t *testing.T) {
	var prompts sync.Map
	c := agent.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		prompts.Store(prompt, true)
		return "```sql\nSELECT 1\n```", nil
	})
	o := newOrchestrator(t, testConfig(), quickPool(4), c, nil)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(time.Second)

	next := testConfig()
	next.Agent.Goal = "measure index usage"
	next.Steady.Queries = append(next.Steady.Queries, config.SteadyQuery{Name: "two", SQL: "SELECT 2"})

	events := make(chan config.ReloadEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.WatchConfig(ctx, events, func() (config.Config, error) { return next, nil })
	events <- config.ReloadEvent{Path: "config.yaml"}

	waitFor(t, 5*time.Second, func() bool {
		h := o.Health()
		return h.Agent != nil && h.Agent.Goal == "measure index usage" && h.Steady.Queries == 2
	})
}

// swapSource serves whatever snapshot was last set, or fails while err is set.
type swapSource struct {
	mu   sync.Mutex
	snap *schema.Snapshot
	err  error
}

func (s *swapSource) Snapshot(context.Context) (*schema.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.err
}

func (s *swapSource) set(snap *schema.Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.err = snap, err
}

func TestRefreshSchema_LaterPromptsSeeNewTables(t *testing.T) {
	cfg := testConfig()
	cfg.Steady.Queries = nil
	cfg.Agent.SchemaRefreshSeconds = 1
	cfg.Agent.IntervalMillis = 20

	src := &swapSource{snap: schema.NewBuilder().Add("public.customers", "id", "integer").Build()}
	var sawInvoices atomic.Bool
	c := agent.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "public.invoices") {
			sawInvoices.Store(true)
		}
		return "```sql\nSELECT 1\n```", nil
	})
	b := bus.New()
	sub := b.Subscribe(bus.TopicSchemaRefreshed)
	defer b.Unsubscribe(sub)
	o := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Connect: func(context.Context) (db.Pool, schema.Source, error) {
			return quickPool(4), src, nil
		},
		Completer: c,
		Bus:       b,
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(time.Second)
	if got := o.Health().SchemaTables; got != 1 {
		t.Fatalf("initial schema tables = %d", got)
	}

	src.set(schema.NewBuilder().
		Add("public.customers", "id", "integer").
		Add("public.invoices", "total", "numeric").
		Build(), nil)

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.SchemaRefreshed)
		if !ok || payload.Tables != 2 {
			t.Fatalf("unexpected refresh event: %+v", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no schema.refreshed event")
	}
	waitFor(t, 5*time.Second, func() bool {
		return o.Health().SchemaTables == 2 && sawInvoices.Load()
	})

	// A failing refresh keeps the last good snapshot and publishes nothing.
	src.set(nil, errors.New("catalog unavailable"))
	select {
	case ev := <-sub.Ch():
		t.Fatalf("failed refresh published %+v", ev.Payload)
	case <-time.After(1500 * time.Millisecond):
	}
	if got := o.Health().SchemaTables; got != 2 {
		t.Fatalf("failed refresh replaced the snapshot, tables = %d", got)
	}
}

func TestHealth_ReportsRunAndTrippedProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Steady.Queries = nil
	cfg.Agent.MaxAttempts = 1
	down := agent.CompleterFunc(func(context.Context, string) (string, error) {
		return "", errors.New("503 service unavailable")
	})
	fc := agent.NewFailoverCompleter(
		agent.NamedCompleter{Name: "openai", Completer: down},
		[]agent.NamedCompleter{{Name: "anthropic", Completer: counter()}},
		1, time.Hour,
	)
	o := newOrchestrator(t, cfg, quickPool(4), fc, nil)

	ctx := shared.WithRunID(context.Background(), "run-health")
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		h := o.Health()
		return len(h.TrippedProviders) == 1 && h.Totals.Executed > 0
	})
	h := o.Health()
	if h.RunID != "run-health" {
		t.Fatalf("run id = %q", h.RunID)
	}
	if h.TrippedProviders[0] != "openai" {
		t.Fatalf("tripped = %v", h.TrippedProviders)
	}
	if h.QueueClosed || !h.Healthy {
		t.Fatalf("running orchestrator should be healthy with an open queue: %+v", h)
	}

	if err := o.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h = o.Health()
	if !h.QueueClosed || h.Healthy {
		t.Fatalf("stopped orchestrator: closed=%v healthy=%v", h.QueueClosed, h.Healthy)
	}
}

func TestStart_AssignsRunIDWhenMissing(t *testing.T) {
	o := newOrchestrator(t, testConfig(), quickPool(4), counter(), nil)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(time.Second)
	if o.Health().RunID == "" {
		t.Fatal("expected a generated run id")
	}
}
