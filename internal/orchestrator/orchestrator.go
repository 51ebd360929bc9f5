// Package orchestrator owns the lifecycle of one workload run: it connects
// to the database, captures the schema, wires the queue between the agent
// and the execution pool, runs the steady driver, and shuts everything down
// in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/n-kumar7/sqlagent/internal/agent"
	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/engine"
	"github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/queue"
	"github.com/n-kumar7/sqlagent/internal/schema"
	"github.com/n-kumar7/sqlagent/internal/shared"
	"github.com/n-kumar7/sqlagent/internal/steady"
	"github.com/n-kumar7/sqlagent/internal/telemetry"
)

// ConnectFunc opens the pool and returns the schema source that reads
// through it.
type ConnectFunc func(ctx context.Context) (db.Pool, schema.Source, error)

type Options struct {
	Config    config.Config
	Connect   ConnectFunc
	Completer agent.Completer
	// Audit is closed by Stop.
	Audit   audit.Sink
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Meter   metric.Meter
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	audit  *audit.Counting

	mu    sync.RWMutex
	state State
	cfg   config.Config

	runID     string
	startedAt time.Time
	pool      db.Pool
	holder    *schema.Holder
	q         *queue.Queue
	reporter  *engine.Reporter
	exec      *engine.Executor
	eng       *engine.Engine
	driver    *steady.Driver
	agent     *agent.Agent
	gauges    metric.Registration

	genCancel context.CancelFunc
	genWG     sync.WaitGroup
	agentDone chan struct{}
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Orchestrator{
		opts:      opts,
		logger:    telemetry.Subsystem(logger, "orchestrator"),
		audit:     audit.NewCounting(sink),
		cfg:       opts.Config,
		state:     StateIdle,
		agentDone: make(chan struct{}),
	}
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	from := o.state
	if !canTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	o.state = to
	o.mu.Unlock()

	o.logger.Info("orchestrator state changed", "from", from.String(), "to", to.String())
	if o.opts.Bus != nil {
		o.opts.Bus.Publish(bus.TopicStateChanged, bus.StateChanged{Old: from.String(), New: to.String()})
	}
	_ = o.audit.RecordEvent(context.Background(), audit.Event{
		Kind:    "state",
		Reason:  to.String(),
		Subject: from.String(),
		At:      time.Now(),
	})
	return nil
}

// AgentDone is closed when the generation agent returns, either because a
// bounded run finished or because the orchestrator is stopping.
func (o *Orchestrator) AgentDone() <-chan struct{} {
	return o.agentDone
}

// Start brings the workload up. Any failure leaves the orchestrator Stopped
// and is returned as a *StartupError.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(StateStarting); err != nil {
		return err
	}
	cfg := o.cfg
	runID := shared.RunID(ctx)
	if runID == "" {
		runID = shared.NewRunID()
		ctx = shared.WithRunID(ctx, runID)
	}
	o.mu.Lock()
	o.runID = runID
	o.mu.Unlock()

	pool, src, err := o.opts.Connect(ctx)
	if err != nil {
		return o.failStartup(ReasonDBConnect, err)
	}
	o.pool = pool
	o.logger.Info("startup phase", "phase", "db_connected", "max_conns", pool.Stat().MaxConns)

	o.holder = schema.NewHolder(src)
	snap, err := o.holder.Refresh(ctx)
	if err != nil {
		return o.failStartup(ReasonSchemaCapture, err)
	}
	if snap.Len() == 0 {
		o.logger.Warn("schema snapshot is empty; generated queries can only use catalog tables")
	}
	o.logger.Info("startup phase", "phase", "schema_captured", "tables", snap.Len())

	policy, err := queue.ParsePolicy(cfg.Queue.Policy)
	if err != nil {
		return o.failStartup(ReasonQueueConfig, err)
	}

	o.reporter = &engine.Reporter{
		Audit:   o.audit,
		Bus:     o.opts.Bus,
		Metrics: o.opts.Metrics,
		Logger:  telemetry.Subsystem(o.opts.loggerOrDefault(), "engine"),
	}
	o.q = queue.New(queue.Options{
		Capacity: cfg.Queue.Capacity,
		Policy:   policy,
		OnEvict: func(m queue.Message) {
			o.reporter.Dropped(context.Background(), m, engine.DropEvicted)
		},
	})
	o.exec = engine.NewExecutor(pool, engine.ExecutorConfig{
		AcquireTimeout: cfg.Engine.AcquireTimeout(),
		QueryTimeout:   cfg.Engine.QueryTimeout(),
		SampleRows:     cfg.Engine.SampleRows,
		Slots: map[queue.Source]int{
			queue.AdHoc:       cfg.Engine.Workers,
			queue.SteadyState: cfg.Steady.Workers,
		},
		Metrics: o.opts.Metrics,
		Tracer:  o.opts.Tracer,
	})
	o.eng = engine.New(o.q, o.exec, o.reporter, engine.Config{
		WorkerCount:  cfg.Engine.Workers,
		PollInterval: cfg.Engine.PollInterval(),
		Logger:       o.reporter.Logger,
	})

	o.driver, err = steady.New(o.exec, o.reporter, steady.Config{
		Queries:  steadyQueries(cfg.Steady.Queries),
		Interval: cfg.Steady.Interval(),
		Schedule: cfg.Steady.Schedule,
		Workers:  cfg.Steady.Workers,
		Bus:      o.opts.Bus,
		Metrics:  o.opts.Metrics,
		Logger:   telemetry.Subsystem(o.opts.loggerOrDefault(), "steady"),
	})
	if err != nil {
		return o.failStartup(ReasonSteadyConfig, err)
	}

	_, model, _ := cfg.ResolveLLMConfig()
	o.agent = agent.New(o.opts.Completer, o.holder, o.q, agent.Config{
		Goal:        cfg.Agent.Goal,
		Interval:    cfg.Agent.Interval(),
		MaxAttempts: cfg.Agent.MaxAttempts,
		RetryBase:   cfg.Agent.RetryBase(),
		CallTimeout: cfg.Agent.CallTimeout(),
		History:     cfg.Agent.History,
		MaxQueries:  cfg.Agent.MaxQueries,
		Model:       model,
		Audit:       o.audit,
		Bus:         o.opts.Bus,
		Metrics:     o.opts.Metrics,
		Tracer:      o.opts.Tracer,
		Logger:      telemetry.Subsystem(o.opts.loggerOrDefault(), "agent"),
		Dropped:     o.reporter.Dropped,
	})

	if o.opts.Meter != nil {
		o.gauges, err = otel.RegisterQueueGauges(o.opts.Meter, o.q.Len, o.q.Cap)
		if err != nil {
			return o.failStartup(ReasonMetrics, err)
		}
	}

	// Execution outlives the caller's context; Stop decides when in-flight
	// queries are cancelled.
	o.eng.Start(context.WithoutCancel(ctx))
	o.driver.Start(context.WithoutCancel(ctx))

	genCtx, cancel := context.WithCancel(ctx)
	o.genCancel = cancel
	o.genWG.Add(2)
	go func() {
		defer o.genWG.Done()
		defer close(o.agentDone)
		if err := o.agent.Run(genCtx); err != nil {
			o.logger.Error("generation agent exited", "error", err)
		}
	}()
	go func() {
		defer o.genWG.Done()
		o.refreshSchema(genCtx, cfg.Agent.SchemaRefresh())
	}()

	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()
	if err := o.transition(StateRunning); err != nil {
		return err
	}
	o.logger.Info("startup phase", "phase", "running",
		"engine_workers", cfg.Engine.Workers,
		"steady_workers", cfg.Steady.Workers,
		"queue_capacity", cfg.Queue.Capacity,
		"queue_policy", policy.String(),
	)
	return nil
}

func (o *Options) loggerOrDefault() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) failStartup(code string, err error) error {
	o.logger.Error("startup failure", "reason_code", code, "error", err)
	_ = o.audit.RecordEvent(context.Background(), audit.Event{
		Kind:    "fatal",
		Reason:  code,
		Subject: err.Error(),
		At:      time.Now(),
	})
	if o.pool != nil {
		o.pool.Close()
	}
	if cerr := o.audit.Close(); cerr != nil {
		o.logger.Error("audit close failed", "error", cerr)
	}
	_ = o.transition(StateStopped)
	return &StartupError{ReasonCode: code, Err: err}
}

func (o *Orchestrator) refreshSchema(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := o.holder.Refresh(ctx)
			if err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("schema refresh failed; keeping previous snapshot", "error", err)
				}
				continue
			}
			o.logger.Debug("schema refreshed", "tables", snap.Len())
			if o.opts.Bus != nil {
				o.opts.Bus.Publish(bus.TopicSchemaRefreshed, bus.SchemaRefreshed{Tables: snap.Len()})
			}
		}
	}
}

// Stop halts generation and the steady driver, closes the queue, lets the
// execution pool drain for up to grace, then cancels what is left. Every
// message still queued afterwards is reported as dropped.
func (o *Orchestrator) Stop(grace time.Duration) error {
	if err := o.transition(StateStopping); err != nil {
		return err
	}
	o.genCancel()
	o.genWG.Wait()
	o.driver.Stop()

	o.q.Close()
	clean := o.eng.Drain(grace)
	leftover := o.q.Drain()
	for _, m := range leftover {
		o.reporter.Dropped(context.Background(), m, engine.DropShutdown)
	}

	var errs []error
	if o.gauges != nil {
		if err := o.gauges.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister gauges: %w", err))
		}
	}
	o.pool.Close()

	totals := o.audit.Totals()
	o.logger.Info("shutdown summary",
		"drained_cleanly", clean,
		"dropped_at_shutdown", len(leftover),
		"generated", totals.Generated,
		"executed", totals.Executed,
		"failed", totals.Failed,
		"dropped", totals.Dropped,
	)
	if err := o.transition(StateStopped); err != nil {
		errs = append(errs, err)
	}
	if err := o.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit: %w", err))
	}
	return errors.Join(errs...)
}

// Apply hot-applies the reloadable parts of cfg: the goal and the steady
// query set. Everything else needs a restart.
func (o *Orchestrator) Apply(cfg config.Config) {
	if o.State() != StateRunning {
		return
	}
	o.mu.Lock()
	old := o.cfg
	o.cfg.Agent.Goal = cfg.Agent.Goal
	o.cfg.Steady.Queries = cfg.Steady.Queries
	o.mu.Unlock()

	if cfg.Agent.Goal != old.Agent.Goal && cfg.Agent.Goal != "" {
		o.agent.SetGoal(cfg.Agent.Goal)
	}
	if !sameQueries(old.Steady.Queries, cfg.Steady.Queries) {
		o.driver.SetQueries(steadyQueries(cfg.Steady.Queries))
	}
	if old.Fingerprint() != cfg.Fingerprint() {
		o.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
	}
}

// WatchConfig reloads config.yaml on every watcher event until ctx ends.
// A file that fails to load is logged and ignored.
func (o *Orchestrator) WatchConfig(ctx context.Context, events <-chan config.ReloadEvent, load func() (config.Config, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			cfg, err := load()
			if err != nil {
				o.logger.Error("config reload rejected; keeping previous config", "path", ev.Path, "error", err)
				continue
			}
			o.Apply(cfg)
		}
	}
}

func steadyQueries(in []config.SteadyQuery) []steady.Query {
	out := make([]steady.Query, 0, len(in))
	for _, q := range in {
		out = append(out, steady.Query{Name: q.Name, SQL: q.SQL})
	}
	return out
}

func sameQueries(a, b []config.SteadyQuery) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
