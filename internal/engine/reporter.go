package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/queue"
	"github.com/n-kumar7/sqlagent/internal/shared"
	"github.com/n-kumar7/sqlagent/internal/telemetry"
)

// Drop reasons.
const (
	DropQueueFull = "queue_full"
	DropEvicted   = "evicted"
	DropShutdown  = "shutdown"
)

// Reporter delivers results and drops to every observer: the audit sink,
// the event bus, metrics and the log. Any field may be nil.
type Reporter struct {
	Audit    audit.Sink
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
	OnResult func(Result)
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Report records a finished message. Audit writes use a context detached
// from cancellation so results produced during shutdown are not lost.
func (r *Reporter) Report(ctx context.Context, res Result) {
	if r == nil {
		return
	}
	ctx = shared.WithMessageID(shared.WithWorkerID(context.WithoutCancel(ctx), res.Worker), res.MessageID)
	logger := telemetry.WithContext(ctx, r.logger())
	attrs := []any{
		"source", res.Source.String(),
		"latency_ms", res.Latency.Milliseconds(),
	}
	if res.TraceID != "" {
		attrs = append(attrs, "trace_id", res.TraceID)
	}
	if res.Success {
		logger.Info("query executed", append(attrs, "rows_affected", res.RowsAffected)...)
		if len(res.Sample) > 0 {
			logger.Debug("query sample rows", "columns", res.Columns, "rows", res.Sample)
		}
	} else {
		logger.Warn("query failed", append(attrs, "kind", string(res.Kind), "error", res.Error)...)
	}

	if r.Audit != nil {
		if err := r.Audit.RecordOutcome(ctx, audit.Outcome{
			MessageID:    res.MessageID,
			Source:       res.Source.String(),
			Success:      res.Success,
			Kind:         string(res.Kind),
			LatencyMs:    res.Latency.Milliseconds(),
			RowsAffected: res.RowsAffected,
			Error:        res.Error,
			FinishedAt:   res.FinishedAt,
		}); err != nil {
			logger.Error("audit outcome write failed", "error", err)
		}
	}
	if r.Bus != nil {
		r.Bus.Publish(bus.TopicQueryFinished, bus.QueryFinished{
			MessageID:    res.MessageID,
			Source:       res.Source.String(),
			Success:      res.Success,
			Kind:         string(res.Kind),
			LatencyMs:    res.Latency.Milliseconds(),
			RowsAffected: res.RowsAffected,
			Error:        res.Error,
		})
	}
	r.Metrics.RecordQuery(ctx, res.Source.String(), string(res.Kind), res.Latency.Seconds())
	if r.OnResult != nil {
		r.OnResult(res)
	}
}

// Dropped records a message that will never execute.
func (r *Reporter) Dropped(ctx context.Context, msg queue.Message, reason string) {
	if r == nil {
		return
	}
	ctx = shared.WithMessageID(context.WithoutCancel(ctx), msg.ID)
	logger := telemetry.WithContext(ctx, r.logger())
	logger.Warn("query dropped", "source", msg.Source.String(), "reason", reason)
	if r.Audit != nil {
		if err := r.Audit.RecordDropped(ctx, audit.Dropped{
			MessageID: msg.ID,
			Source:    msg.Source.String(),
			Reason:    reason,
			At:        time.Now(),
		}); err != nil {
			logger.Error("audit drop write failed", "error", err)
		}
	}
	if r.Bus != nil {
		r.Bus.Publish(bus.TopicQueryDropped, bus.QueryDropped{
			MessageID: msg.ID,
			Source:    msg.Source.String(),
			Reason:    reason,
		})
	}
	r.Metrics.RecordDropped(ctx, msg.Source.String(), reason)
}
