// Package steady re-issues a fixed query set on a schedule, independently
// of the ad hoc queue.
package steady

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/engine"
	"github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/queue"
	"github.com/n-kumar7/sqlagent/internal/shared"
)

// scheduleParser accepts 5- or 6-field expressions and descriptors such as
// "@every 5s" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Query struct {
	Name string
	SQL  string
}

type Config struct {
	Queries  []Query
	Interval time.Duration
	// Schedule, when set, overrides Interval.
	Schedule string
	Workers  int
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
}

// CycleResult summarises one pass over the query set.
type CycleResult struct {
	Cycle    int64
	Queries  int
	Failed   int
	Duration time.Duration
}

type Status struct {
	Running     bool      `json:"running"`
	Cycles      int64     `json:"cycles"`
	Skipped     int64     `json:"skipped"`
	Queries     int       `json:"queries"`
	Workers     int       `json:"workers"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
}

// everySchedule fires at a fixed delay. cronlib.Every rounds to whole
// seconds, which is too coarse for short intervals.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// ParseSchedule resolves a cron expression, or a plain interval when expr
// is empty.
func ParseSchedule(expr string, interval time.Duration) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		if interval <= 0 {
			return nil, errors.New("steady interval must be positive")
		}
		return everySchedule(interval), nil
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse steady schedule %q: %w", expr, err)
	}
	return s, nil
}

// Driver runs the query set once immediately and then on every scheduled
// tick. A tick that arrives while the previous cycle is still running is
// skipped and counted.
type Driver struct {
	exec     *engine.Executor
	reporter *engine.Reporter
	schedule cronlib.Schedule
	workers  int
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	queries []Query
	lastAt  time.Time

	inCycle atomic.Bool
	cycles  atomic.Int64
	skipped atomic.Int64

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(exec *engine.Executor, reporter *engine.Reporter, cfg Config) (*Driver, error) {
	sched, err := ParseSchedule(cfg.Schedule, cfg.Interval)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		exec:     exec,
		reporter: reporter,
		schedule: sched,
		workers:  workers,
		cfg:      cfg,
		logger:   logger,
		queries:  append([]Query(nil), cfg.Queries...),
		cancel:   func() {},
	}, nil
}

// SetQueries replaces the set used from the next cycle on.
func (d *Driver) SetQueries(qs []Query) {
	d.mu.Lock()
	d.queries = append([]Query(nil), qs...)
	d.mu.Unlock()
	d.logger.Info("steady query set replaced", "queries", len(qs))
}

func (d *Driver) Start(ctx context.Context) {
	d.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.wg.Add(1)
		go d.loop(runCtx)
		d.logger.Info("steady driver started", "workers", d.workers, "queries", len(d.snapshot()))
	})
}

// Stop cancels the schedule and any running cycle, then waits for both.
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("steady driver stopped", "cycles", d.cycles.Load(), "skipped", d.skipped.Load())
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	d.fire(ctx)
	for {
		next := d.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.fire(ctx)
		}
	}
}

func (d *Driver) fire(ctx context.Context) {
	if !d.inCycle.CompareAndSwap(false, true) {
		n := d.skipped.Add(1)
		d.logger.Warn("steady cycle still running; skipping tick", "skipped_total", n)
		d.cfg.Metrics.RecordSteadyCycle(ctx, "skipped")
		if d.cfg.Bus != nil {
			d.cfg.Bus.Publish(bus.TopicSteadyCycle, bus.SteadyCycle{Skipped: true})
		}
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inCycle.Store(false)
		d.RunCycle(ctx)
	}()
}

func (d *Driver) snapshot() []Query {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queries
}

// RunCycle executes every query in the set once over the driver's own
// workers. A failing query does not stop the others.
func (d *Driver) RunCycle(ctx context.Context) CycleResult {
	queries := d.snapshot()
	start := time.Now()
	cycle := d.cycles.Add(1)
	res := CycleResult{Cycle: cycle, Queries: len(queries)}
	if len(queries) == 0 {
		d.logger.Debug("steady cycle has no queries", "cycle", cycle)
		return res
	}

	jobs := make(chan Query)
	var failed atomic.Int32
	var wg sync.WaitGroup
	workers := min(d.workers, len(queries))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			wctx := shared.WithWorkerID(ctx, worker)
			for q := range jobs {
				msg := queue.NewMessage(q.SQL, q.Name, queue.SteadyState)
				mctx := shared.WithMessageID(wctx, msg.ID)
				r := d.exec.Execute(mctx, msg, worker)
				if !r.Success {
					failed.Add(1)
				}
				d.reporter.Report(mctx, r)
			}
		}(w)
	}
	for _, q := range queries {
		jobs <- q
	}
	close(jobs)
	wg.Wait()

	res.Failed = int(failed.Load())
	res.Duration = time.Since(start)
	d.mu.Lock()
	d.lastAt = time.Now()
	d.mu.Unlock()

	outcome := "completed"
	if res.Failed > 0 {
		outcome = "partial"
	}
	d.cfg.Metrics.RecordSteadyCycle(context.WithoutCancel(ctx), outcome)
	d.logger.Info("steady cycle finished",
		"cycle", cycle,
		"queries", res.Queries,
		"failed", res.Failed,
		"duration_ms", res.Duration.Milliseconds(),
	)
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.TopicSteadyCycle, bus.SteadyCycle{
			Cycle:   cycle,
			Queries: res.Queries,
			Failed:  res.Failed,
		})
	}
	return res
}

func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{
		Running:     d.inCycle.Load(),
		Cycles:      d.cycles.Load(),
		Skipped:     d.skipped.Load(),
		Queries:     len(d.queries),
		Workers:     d.workers,
		LastCycleAt: d.lastAt,
	}
}
