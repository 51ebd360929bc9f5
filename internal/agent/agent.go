// Package agent turns a schema snapshot and a goal into SQL statements and
// pushes them onto the work queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/engine"
	"github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/queue"
	"github.com/n-kumar7/sqlagent/internal/schema"
)

// ErrDone is returned by Cycle when the model signals it has nothing more
// to generate.
var ErrDone = errors.New("completion signalled done")

type Config struct {
	Goal        string
	Interval    time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	CallTimeout time.Duration
	// History is how many prior statements are fed back into the prompt.
	History    int
	MaxQueries int
	Model      string

	Audit   audit.Sink
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	// Dropped is told about generated messages the queue would not take.
	Dropped func(ctx context.Context, msg queue.Message, reason string)
}

type Stats struct {
	Generated int64  `json:"generated"`
	Failures  int64  `json:"failures"`
	Skipped   int64  `json:"skipped"`
	Goal      string `json:"goal"`
}

type Agent struct {
	completer Completer
	holder    *schema.Holder
	q         *queue.Queue
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	limiter   *rate.Limiter

	mu      sync.Mutex
	goal    string
	history []string

	seq       atomic.Int64
	generated atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64
}

func New(c Completer, holder *schema.Holder, q *queue.Queue, cfg Config) *Agent {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.History < 0 {
		cfg.History = 0
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Agent{
		completer: c,
		holder:    holder,
		q:         q,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		limiter:   rate.NewLimiter(limit, 1),
		goal:      cfg.Goal,
	}
}

// SetGoal replaces the goal for subsequent prompts and forgets the
// statements generated for the old one.
func (a *Agent) SetGoal(goal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if goal == a.goal {
		return
	}
	a.goal = goal
	a.history = nil
	a.logger.Info("generation goal updated", "goal", goal)
}

func (a *Agent) Stats() Stats {
	a.mu.Lock()
	goal := a.goal
	a.mu.Unlock()
	return Stats{
		Generated: a.generated.Load(),
		Failures:  a.failures.Load(),
		Skipped:   a.skipped.Load(),
		Goal:      goal,
	}
}

// Run generates until ctx ends, the queue closes, or a bounded run is
// complete.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("generation agent started", "max_queries", a.cfg.MaxQueries, "interval", a.cfg.Interval)
	defer a.logger.Info("generation agent stopped", "generated", a.generated.Load())
	for {
		if ctx.Err() != nil {
			return nil
		}
		if a.cfg.MaxQueries > 0 && a.generated.Load() >= int64(a.cfg.MaxQueries) {
			a.logger.Info("generation limit reached", "max_queries", a.cfg.MaxQueries)
			return nil
		}
		_, err := a.Cycle(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case errors.Is(err, ErrDone):
			if a.cfg.MaxQueries > 0 {
				a.logger.Info("model finished generating", "generated", a.generated.Load())
				return nil
			}
			// unbounded runs start a fresh conversation instead of stopping
			a.mu.Lock()
			a.history = nil
			a.mu.Unlock()
		case errors.Is(err, ErrGenerationFailure):
			// already reported; next cycle
		default:
			a.logger.Warn("generation cycle error", "error", err)
		}
	}
}

// Cycle makes one generation attempt sequence and returns how many
// messages were enqueued (0 or 1). After MaxAttempts failures the cycle is
// skipped and an ErrGenerationFailure is returned.
func (a *Agent) Cycle(ctx context.Context) (int, error) {
	goal, history := a.promptState()
	prompt := BuildPrompt(goal, a.holder.Current(), history)

	var (
		stmt     Statement
		done     bool
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			reply, err := a.complete(ctx, prompt, attempts)
			if err != nil {
				return err
			}
			if IsDone(reply) {
				done = true
				return nil
			}
			s, err := ExtractSQL(reply)
			if err != nil {
				return err
			}
			stmt = s
			return nil
		},
		retry.Attempts(uint(a.cfg.MaxAttempts)),
		retry.Delay(a.cfg.RetryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			a.attemptFailed(ctx, int(n)+1, err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		a.cycleSkipped(ctx, attempts, err)
		return 0, fmt.Errorf("%w: skipped after %d attempts: %w", ErrGenerationFailure, attempts, err)
	}
	if done {
		return 0, ErrDone
	}
	return a.emit(ctx, stmt)
}

func (a *Agent) promptState() (string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.goal, append([]string(nil), a.history...)
}

func (a *Agent) remember(sql string) {
	if a.cfg.History == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, sql)
	if over := len(a.history) - a.cfg.History; over > 0 {
		a.history = append([]string(nil), a.history[over:]...)
	}
}

func (a *Agent) complete(ctx context.Context, prompt string, attempt int) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	callCtx, span := otel.StartClientSpan(callCtx, a.tracer, "llm.complete",
		otel.AttrModel.String(a.cfg.Model),
		otel.AttrAttempt.Int(attempt),
	)
	defer span.End()

	start := time.Now()
	reply, err := a.completer.Complete(callCtx, prompt)
	a.cfg.Metrics.RecordCompletion(ctx, a.cfg.Model, time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	a.logger.Debug("completion received", "attempt", attempt, "chars", len(reply))
	return reply, nil
}

func (a *Agent) attemptFailed(ctx context.Context, attempt int, err error) {
	a.failures.Add(1)
	class := ClassifyError(err)
	a.logger.Warn("generation attempt failed",
		"attempt", attempt,
		"max_attempts", a.cfg.MaxAttempts,
		"error_class", string(class),
		"error", err,
	)
	a.cfg.Metrics.RecordGenerationFailure(ctx, string(class))
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(bus.TopicGenerationFailed, bus.GenerationFailed{
			Attempt: attempt,
			Class:   string(class),
			Error:   err.Error(),
		})
	}
}

func (a *Agent) cycleSkipped(ctx context.Context, attempts int, err error) {
	a.skipped.Add(1)
	a.logger.Error("generation cycle skipped", "attempts", attempts, "error", err)
	a.cfg.Metrics.RecordGenerationSkipped(ctx)
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(bus.TopicGenerationSkipped, bus.GenerationSkipped{
			Attempts: attempts,
			Error:    err.Error(),
		})
	}
	if aerr := a.cfg.Audit.RecordEvent(context.WithoutCancel(ctx), audit.Event{
		Kind:   "generation_skipped",
		Reason: err.Error(),
		At:     time.Now(),
	}); aerr != nil {
		a.logger.Error("audit event write failed", "error", aerr)
	}
}

// emit records the statement durably, then enqueues it. A message whose
// audit write fails is never enqueued.
func (a *Agent) emit(ctx context.Context, stmt Statement) (int, error) {
	msg := queue.NewMessage(stmt.SQL, stmt.Comment, queue.AdHoc)
	seq := a.seq.Add(1)
	if err := a.cfg.Audit.RecordGenerated(ctx, audit.Generated{
		MessageID: msg.ID,
		Seq:       seq,
		Source:    msg.Source.String(),
		SQL:       msg.SQL,
		Comment:   msg.Comment,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		a.failures.Add(1)
		a.logger.Error("audit write failed; message not enqueued", "message_id", msg.ID, "error", err)
		return 0, fmt.Errorf("%w: audit: %w", ErrGenerationFailure, err)
	}

	if err := a.q.Push(ctx, msg); err != nil {
		reason := engine.DropShutdown
		if errors.Is(err, queue.ErrFull) {
			reason = engine.DropQueueFull
		}
		if a.cfg.Dropped != nil {
			a.cfg.Dropped(ctx, msg, reason)
		}
		if reason == engine.DropQueueFull {
			a.remember(msg.SQL)
			return 0, nil
		}
		return 0, err
	}

	a.generated.Add(1)
	a.remember(msg.SQL)
	a.logger.Info("query generated", "message_id", msg.ID, "seq", seq, "comment", msg.Comment)
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(bus.TopicQueryGenerated, bus.QueryGenerated{
			MessageID: msg.ID,
			Source:    msg.Source.String(),
			SQL:       msg.SQL,
			Comment:   msg.Comment,
		})
	}
	return 1, nil
}
