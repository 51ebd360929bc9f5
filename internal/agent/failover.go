package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NamedCompleter pairs a Completer with the provider name used for breaker
// tracking and logs.
type NamedCompleter struct {
	Name      string
	Completer Completer
}

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverCompleter tries the primary provider, then each fallback in
// order, skipping providers whose breaker is open.
type FailoverCompleter struct {
	candidates []NamedCompleter
	threshold  int
	cooldown   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewFailoverCompleter trips a provider's breaker after threshold
// consecutive failures and closes it again once cooldown has elapsed.
func NewFailoverCompleter(primary NamedCompleter, fallbacks []NamedCompleter, threshold int, cooldown time.Duration) *FailoverCompleter {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	candidates := append([]NamedCompleter{primary}, fallbacks...)
	breakers := make(map[string]*breaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &breaker{}
	}
	return &FailoverCompleter{
		candidates: candidates,
		threshold:  threshold,
		cooldown:   cooldown,
		now:        time.Now,
		breakers:   breakers,
	}
}

func (f *FailoverCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			slog.Debug("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		reply, err := c.Completer.Complete(ctx, prompt)
		if err == nil {
			f.recordSuccess(c.Name)
			return reply, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		f.recordFailure(c.Name)
		ec := ClassifyError(err)
		slog.Warn("failover: provider failed", "provider", c.Name, "error_class", string(ec), "error", err)

		// the prompt is the same everywhere
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}
	if lastErr == nil {
		return "", fmt.Errorf("failover: every provider is tripped")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// Tripped lists providers whose breaker is currently open.
func (f *FailoverCompleter) Tripped() []string {
	var out []string
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

func (f *FailoverCompleter) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if f.now().Sub(b.lastFailure) >= f.cooldown {
		b.tripped = false
		b.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *FailoverCompleter) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakers[name]
	b.failures++
	b.lastFailure = f.now()
	if b.failures >= f.threshold && !b.tripped {
		b.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (f *FailoverCompleter) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakers[name]
	b.failures = 0
	b.tripped = false
}
