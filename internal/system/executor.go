package system

import (
	"context"
	"sync"
	"time"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/pkg/logger"
	"github.com/hetu-io/hetu/pkg/metrics"
)

// Stats is a point-in-time snapshot of executor counters, mirroring the
// teacher's EngineStats.
type Stats struct {
	Calls            int64
	Conflicts        int64
	RetriesExhausted int64
	Forbidden        int64
}

// Executor runs CallSystem invocations as retrying optimistic transactions
// against a store.Backend, per spec.md §4.2. Grounded on
// system/engine.ServiceEngine.ProcessRequest's resolve/validate/invoke
// shape.
type Executor struct {
	backend      store.Backend
	registry     *Registry
	log          *logger.Logger
	metrics      *metrics.Registry
	maxRetries   int
	callDeadline time.Duration

	mu    sync.Mutex
	stats Stats
}

// Config configures an Executor.
type Config struct {
	Backend      store.Backend
	Registry     *Registry
	Logger       *logger.Logger
	Metrics      *metrics.Registry
	MaxRetries   int           // default 3, per spec.md §4.2
	CallDeadline time.Duration // default 5s, per spec.md §4.5
}

// NewExecutor constructs an Executor, defaulting MaxRetries/CallDeadline
// the way the teacher's NewServiceEngine defaults RequestTimeout.
func NewExecutor(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("system-executor")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = 5 * time.Second
	}
	return &Executor{
		backend:      cfg.Backend,
		registry:     cfg.Registry,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		maxRetries:   cfg.MaxRetries,
		callDeadline: cfg.CallDeadline,
	}
}

// Stats returns a snapshot of call counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Lookup exposes the underlying Registry's Def lookup, so a caller that
// already resolved a successful Call can read back e.g. the Def's
// Elevates level without this package knowing about Sessions.
func (e *Executor) Lookup(name string) (*Def, bool) {
	return e.registry.Lookup(name)
}

// Call resolves, validates and invokes a System per spec.md §4.2's seven
// steps: unknown-system/bad-args/forbidden rejection, transaction open,
// body invocation, commit with conflict retry, and verbatim surfacing of
// any non-conflict error.
func (e *Executor) Call(ctx context.Context, name string, args map[string]any, identity schema.Permission) (any, error) {
	start := time.Now()
	e.mu.Lock()
	e.stats.Calls++
	e.mu.Unlock()

	def, ok := e.registry.Lookup(name)
	if !ok {
		e.observe(name, "unknown-system", start)
		return nil, errors.UnknownSystem(name)
	}

	if identity < def.Permission {
		e.mu.Lock()
		e.stats.Forbidden++
		e.mu.Unlock()
		e.observe(name, "forbidden", start)
		return nil, errors.Forbidden("identity level " + identity.String() + " below required " + def.Permission.String() + " for system " + name)
	}

	if err := checkArgs(def, args); err != nil {
		e.observe(name, "bad-args", start)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.callDeadline)
	defer cancel()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			e.observe(name, "timeout", start)
			return nil, errors.Timeout("call deadline exceeded for system " + name)
		}

		tx, err := e.backend.Begin(ctx, identity)
		if err != nil {
			e.observe(name, "backend-unavailable", start)
			return nil, errors.BackendUnavailable(err)
		}

		result, bodyErr := def.Fn(tx, args)
		if bodyErr != nil {
			tx.Rollback()
			e.observe(name, "abort", start)
			return nil, bodyErr
		}

		commitErr := tx.Commit()
		if commitErr == nil {
			e.observe(name, "ok", start)
			return result, nil
		}

		ce, isCore := errors.As(commitErr)
		if !isCore || ce.Code != errors.CodeConflictExhausted {
			e.observe(name, "commit-error", start)
			return nil, commitErr
		}

		e.mu.Lock()
		e.stats.Conflicts++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SystemRetries.Inc()
		}

		if attempt >= e.maxRetries {
			e.mu.Lock()
			e.stats.RetriesExhausted++
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.SystemConflictsDone.Inc()
			}
			e.observe(name, "conflict-exhausted", start)
			return nil, errors.ConflictExhausted(attempt + 1)
		}

		select {
		case <-ctx.Done():
			e.observe(name, "timeout", start)
			return nil, errors.Timeout("call deadline exceeded during retry backoff for system " + name)
		case <-time.After(backoffDuration(attempt)):
		}
	}
}

func (e *Executor) observe(system, outcome string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.SystemCalls.WithLabelValues(system, outcome).Inc()
	e.metrics.SystemCallLatency.WithLabelValues(system).Observe(time.Since(start).Seconds())
}
