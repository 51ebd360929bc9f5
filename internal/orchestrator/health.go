package orchestrator

import (
	"time"

	"github.com/n-kumar7/sqlagent/internal/agent"
	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/steady"
)

// Health is a point-in-time view for the control surface.
type Health struct {
	State         string         `json:"state"`
	Healthy       bool           `json:"healthy"`
	RunID         string         `json:"run_id,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	QueueDepth    int            `json:"queue_depth"`
	QueueCapacity int            `json:"queue_capacity"`
	QueuePolicy   string         `json:"queue_policy,omitempty"`
	QueueClosed   bool           `json:"queue_closed"`
	ActiveWorkers int32          `json:"active_workers"`
	WorkerCount   int            `json:"worker_count"`
	Saturation    float64        `json:"saturation"`
	InFlight      int32          `json:"in_flight"`
	LastError     string         `json:"last_error,omitempty"`
	Pool          *db.PoolStat   `json:"pool,omitempty"`
	Totals        audit.Totals   `json:"totals"`
	Agent         *agent.Stats   `json:"agent,omitempty"`
	Steady        *steady.Status `json:"steady,omitempty"`
	SchemaTables  int            `json:"schema_tables"`
	// EventsDropped counts bus deliveries lost to slow observers.
	EventsDropped int64 `json:"events_dropped"`
	// TrippedProviders lists completion providers whose breaker is open.
	TrippedProviders []string `json:"tripped_providers,omitempty"`
}

// trippable is implemented by completers that fail over between providers.
type trippable interface {
	Tripped() []string
}

func (o *Orchestrator) Health() Health {
	state := o.State()
	h := Health{
		State:   state.String(),
		Healthy: state == StateRunning,
		Totals:  o.audit.Totals(),
	}
	if o.opts.Bus != nil {
		h.EventsDropped = o.opts.Bus.Dropped()
	}
	if state == StateIdle || o.eng == nil {
		return h
	}

	o.mu.RLock()
	started := o.startedAt
	h.RunID = o.runID
	o.mu.RUnlock()
	if !started.IsZero() {
		h.UptimeSeconds = time.Since(started).Seconds()
	}

	h.QueueDepth = o.q.Len()
	h.QueueCapacity = o.q.Cap()
	h.QueuePolicy = o.q.Policy().String()
	h.QueueClosed = o.q.Closed()
	// A closed queue outside shutdown means ad hoc work can no longer run.
	h.Healthy = h.Healthy && !h.QueueClosed

	es := o.eng.Status()
	h.ActiveWorkers = es.ActiveWorkers
	h.WorkerCount = es.WorkerCount
	h.Saturation = es.Saturation
	h.InFlight = es.InFlight
	h.LastError = es.LastError

	if state != StateStopped {
		ps := o.pool.Stat()
		h.Pool = &ps
	}
	if o.agent != nil {
		as := o.agent.Stats()
		h.Agent = &as
	}
	if o.driver != nil {
		ss := o.driver.Status()
		h.Steady = &ss
	}
	if t, ok := o.opts.Completer.(trippable); ok {
		h.TrippedProviders = t.Tripped()
	}
	if snap := o.holder.Current(); snap != nil {
		h.SchemaTables = snap.Len()
	}
	return h
}
