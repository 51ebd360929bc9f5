// Package engine runs queued SQL against the database with a fixed pool of
// workers and reports one Result per message.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n-kumar7/sqlagent/internal/queue"
	"github.com/n-kumar7/sqlagent/internal/shared"
	"github.com/n-kumar7/sqlagent/internal/telemetry"
)

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Status struct {
	WorkerCount   int     `json:"worker_count"`
	ActiveWorkers int32   `json:"active_workers"`
	InFlight      int32   `json:"in_flight"`
	Saturation    float64 `json:"saturation"`
	Executed      int64   `json:"executed"`
	Failed        int64   `json:"failed"`
	LastError     string  `json:"last_error,omitempty"`
}

// Engine is the ad hoc execution pool. Workers pop from the queue until it
// is closed and empty, or until Drain gives up and cancels them.
type Engine struct {
	q        *queue.Queue
	exec     *Executor
	reporter *Reporter
	config   Config
	logger   *slog.Logger

	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc

	activeWorkers atomic.Int32
	executed      atomic.Int64
	failed        atomic.Int64
	lastError     atomic.Pointer[string]
}

func New(q *queue.Queue, exec *Executor, reporter *Reporter, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		q:        q,
		exec:     exec,
		reporter: reporter,
		config:   cfg,
		logger:   logger,
		cancel:   func() {},
	}
}

// Start launches the workers once. Cancelling ctx aborts in-flight queries;
// the normal shutdown path is closing the queue and calling Drain.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func(id int) {
				defer e.wg.Done()
				e.worker(shared.WithWorkerID(runCtx, id), id)
			}(i)
		}
		e.logger.Info("execution pool started", "workers", e.config.WorkerCount)
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits up to grace for the workers to finish the queue. If they do
// not, in-flight queries are cancelled and Drain waits for the workers to
// exit. It reports whether the drain completed within grace.
func (e *Engine) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("execution pool drained cleanly")
		return true
	case <-timer.C:
		e.logger.Warn("execution pool drain timeout; cancelling in-flight queries", "grace", grace)
		e.cancel()
		<-done
		return false
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	logger := telemetry.WithContext(ctx, e.logger)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")
	for {
		msg, err := e.q.Pop(ctx, e.config.PollInterval)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrClosed):
			return
		default:
			// ctx ended while waiting
			return
		}

		if ctx.Err() != nil {
			e.reporter.Dropped(ctx, msg, DropShutdown)
			return
		}
		e.handle(ctx, msg, id)
	}
}

func (e *Engine) handle(ctx context.Context, msg queue.Message, id int) {
	e.activeWorkers.Add(1)
	defer e.activeWorkers.Add(-1)

	ctx = shared.WithMessageID(ctx, msg.ID)
	res := e.exec.Execute(ctx, msg, id)
	e.executed.Add(1)
	if !res.Success {
		e.failed.Add(1)
		e.setLastError(res.Error)
	}
	e.reporter.Report(ctx, res)
}

func (e *Engine) setLastError(msg string) {
	if msg == "" {
		return
	}
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	active := e.activeWorkers.Load()
	status := Status{
		WorkerCount:   e.config.WorkerCount,
		ActiveWorkers: active,
		InFlight:      e.exec.InFlight(),
		Saturation:    float64(active) / float64(e.config.WorkerCount),
		Executed:      e.executed.Load(),
		Failed:        e.failed.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
