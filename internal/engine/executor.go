package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/queue"
)

// Result is the outcome of executing one message. It is produced exactly
// once per executed message and never changed afterwards.
type Result struct {
	MessageID    string
	Source       queue.Source
	SQL          string
	Success      bool
	Latency      time.Duration
	RowsAffected int64
	Kind         Kind
	Error        string
	Worker       int
	FinishedAt   time.Time
	// TraceID of the db.query span, empty when tracing is off.
	TraceID string

	Columns []string
	Sample  [][]any
}

type ExecutorConfig struct {
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
	SampleRows     int
	// Slots caps concurrent executions per source, so ad hoc load can never
	// hold the connections the steady-state set needs. Sources without an
	// entry are not capped.
	Slots   map[queue.Source]int
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Executor runs single messages against a pool. It is shared by the ad hoc
// workers and the steady-state workers.
type Executor struct {
	pool   db.Pool
	cfg    ExecutorConfig
	slots  map[queue.Source]*semaphore.Weighted
	tracer trace.Tracer

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewExecutor(pool db.Pool, cfg ExecutorConfig) *Executor {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	slots := make(map[queue.Source]*semaphore.Weighted, len(cfg.Slots))
	for src, n := range cfg.Slots {
		if n > 0 {
			slots[src] = semaphore.NewWeighted(int64(n))
		}
	}
	return &Executor{pool: pool, cfg: cfg, slots: slots, tracer: tracer}
}

// InFlight is the number of statements currently holding a connection.
func (x *Executor) InFlight() int32 {
	return x.inFlight.Load()
}

// MaxInFlight is the high-water mark of InFlight.
func (x *Executor) MaxInFlight() int32 {
	return x.maxInFlight.Load()
}

func (x *Executor) enter() {
	n := x.inFlight.Add(1)
	for {
		cur := x.maxInFlight.Load()
		if n <= cur || x.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Execute acquires a source slot and a connection within the acquire
// timeout, runs the statement within the query timeout and returns the
// Result. It never panics and never returns an error: every failure is in
// the Result.
func (x *Executor) Execute(ctx context.Context, msg queue.Message, worker int) Result {
	start := time.Now()
	ctx, span := otel.StartClientSpan(ctx, x.tracer, "db.query",
		otel.AttrMessageID.String(msg.ID),
		otel.AttrSource.String(msg.Source.String()),
		otel.AttrWorker.Int(worker),
	)
	res := Result{
		MessageID: msg.ID,
		Source:    msg.Source,
		SQL:       msg.SQL,
		Worker:    worker,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		res.TraceID = sc.TraceID().String()
	}
	finish := func(kind Kind, err error) Result {
		res.Latency = time.Since(start)
		res.FinishedAt = time.Now()
		res.Kind = kind
		res.Success = kind == KindNone
		outcome := "ok"
		if err != nil {
			res.Error = err.Error()
			outcome = string(kind)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(otel.AttrOutcome.String(outcome), otel.AttrRows.Int64(res.RowsAffected))
		span.End()
		return res
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, x.cfg.AcquireTimeout)
	if sem := x.slots[msg.Source]; sem != nil {
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			cancelAcquire()
			if ctx.Err() != nil {
				return finish(KindCancelled, ctx.Err())
			}
			return finish(KindPoolExhausted, fmt.Errorf("no %s slot within %s: %w", msg.Source, x.cfg.AcquireTimeout, err))
		}
		defer sem.Release(1)
	}
	conn, err := x.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return finish(KindCancelled, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			return finish(KindPoolExhausted, fmt.Errorf("no connection within %s: %w", x.cfg.AcquireTimeout, err))
		default:
			return finish(KindConnection, err)
		}
	}

	x.enter()
	defer x.inFlight.Add(-1)
	x.cfg.Metrics.AddActive(ctx, msg.Source.String(), 1)
	defer x.cfg.Metrics.AddActive(context.WithoutCancel(ctx), msg.Source.String(), -1)

	queryCtx, cancelQuery := context.WithTimeout(ctx, x.cfg.QueryTimeout)
	defer cancelQuery()

	out, err := runGuarded(queryCtx, conn, msg.SQL, x.cfg.SampleRows)
	if err == nil {
		conn.Release()
		res.RowsAffected = out.RowsAffected
		res.Columns = out.Columns
		res.Sample = out.Sample
		return finish(KindNone, nil)
	}

	kind := ClassifyError(err)
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		kind = KindPanic
	case ctx.Err() != nil:
		kind = KindCancelled
	case errors.Is(queryCtx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
		err = fmt.Errorf("exceeded query timeout %s: %w", x.cfg.QueryTimeout, err)
	}
	if poisonsConn(kind) {
		conn.Destroy()
	} else {
		conn.Release()
	}
	return finish(kind, err)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic during execution: %v", p.value)
}

func runGuarded(ctx context.Context, conn db.Conn, sql string, sampleRows int) (out db.ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return conn.Exec(ctx, sql, sampleRows)
}
