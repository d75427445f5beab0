// Package housekeeping runs the server's periodic maintenance jobs:
// clearing transient Components at startup and sweeping idle sessions on
// a schedule, per spec.md §3 and §4.5. The teacher's own
// services/automation schedules cron-style triggers with a hand-rolled
// minute-field parser (automation_triggers.go's parseNextCronExecution);
// this package uses the pack's declared github.com/robfig/cron/v3
// dependency directly instead, since a real cron parser is the
// idiomatic choice once the dependency already ships in go.mod.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/pkg/logger"
)

// SessionSweeper is implemented by whatever owns the live session table
// (cmd/hetu's server), so housekeeping doesn't depend on internal/session.
type SessionSweeper interface {
	// SweepIdle closes every session idle longer than idleTimeout and
	// returns how many were closed.
	SweepIdle(idleTimeout time.Duration) int
}

// Scheduler owns the cron runtime and the jobs registered on it.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
}

// New constructs a Scheduler. Jobs are registered with Register* methods
// and take effect once Start is called.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("housekeeping")
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// ClearTransientAtStartup deletes every row of every schema.Transient
// Component once, before the server starts accepting sessions, per
// spec.md §3's "transient state does not survive a restart" rule.
func ClearTransientAtStartup(ctx context.Context, backend store.Backend, reg *schema.Registry) error {
	return backend.ClearTransient(ctx, reg)
}

// RegisterIdleSessionSweep schedules a recurring idle-session sweep.
// schedule is a robfig/cron expression (with seconds, since the
// Scheduler is built WithSeconds); a typical value is "0 * * * * *" for
// once a minute.
func (s *Scheduler) RegisterIdleSessionSweep(schedule string, sweeper SessionSweeper, idleTimeout time.Duration) error {
	_, err := s.cron.AddFunc(schedule, func() {
		n := sweeper.SweepIdle(idleTimeout)
		if n > 0 {
			s.log.WithField("closed", n).Info("housekeeping: swept idle sessions")
		}
	})
	return err
}

// RegisterFunc schedules an arbitrary recurring job, for callers (e.g.
// cmd/hetu) that want to add a job without housekeeping knowing its
// shape.
func (s *Scheduler) RegisterFunc(schedule string, fn func()) error {
	_, err := s.cron.AddFunc(schedule, fn)
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
