// Package sweep runs the periodic maintenance jobs: returning stale
// processing tasks to pending, purging old dead letters, and expiring
// stale priority entries.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/ext"
	"github.com/loopmark/introq/priority"
)

// Default schedules and retention. Overridable per Config field.
const (
	DefaultReapSchedule   = "@every 1m"
	DefaultPurgeSchedule  = "@daily"
	DefaultExpireSchedule = "@hourly"
	DefaultDLQRetention   = 30 * 24 * time.Hour
)

// TaskReaper returns tasks stuck in processing to pending.
type TaskReaper interface {
	ReapStale(ctx context.Context) (int, error)
}

// Config wires the sweeper's collaborators. Any nil collaborator simply
// disables its sweep.
type Config struct {
	Tasks    TaskReaper
	DLQ      *dlq.Service
	Priority priority.Store

	// Hooks is optional.
	Hooks  *ext.Registry
	Logger *slog.Logger

	// Cron schedules, in robfig/cron syntax. Zero values use the
	// package defaults.
	ReapSchedule   string
	PurgeSchedule  string
	ExpireSchedule string

	// DLQRetention is how long dead letters are kept before the purge
	// sweep removes them.
	DLQRetention time.Duration
}

// Sweeper owns the cron runner for the maintenance jobs.
type Sweeper struct {
	cron     *cron.Cron
	tasks    TaskReaper
	dlq      *dlq.Service
	priority priority.Store
	hooks    *ext.Registry
	logger   *slog.Logger

	reapSchedule   string
	purgeSchedule  string
	expireSchedule string
	retention      time.Duration
}

// New creates a Sweeper. Call Start to begin sweeping.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:           cron.New(),
		tasks:          cfg.Tasks,
		dlq:            cfg.DLQ,
		priority:       cfg.Priority,
		hooks:          cfg.Hooks,
		logger:         logger,
		reapSchedule:   cfg.ReapSchedule,
		purgeSchedule:  cfg.PurgeSchedule,
		expireSchedule: cfg.ExpireSchedule,
		retention:      cfg.DLQRetention,
	}
	if s.reapSchedule == "" {
		s.reapSchedule = DefaultReapSchedule
	}
	if s.purgeSchedule == "" {
		s.purgeSchedule = DefaultPurgeSchedule
	}
	if s.expireSchedule == "" {
		s.expireSchedule = DefaultExpireSchedule
	}
	if s.retention <= 0 {
		s.retention = DefaultDLQRetention
	}
	return s
}

// Start registers the cron entries and begins sweeping in the background.
func (s *Sweeper) Start(_ context.Context) error {
	if s.tasks != nil {
		if _, err := s.cron.AddFunc(s.reapSchedule, func() {
			s.run("task.reap", s.ReapStaleTasks)
		}); err != nil {
			return err
		}
	}
	if s.dlq != nil {
		if _, err := s.cron.AddFunc(s.purgeSchedule, func() {
			s.run("dlq.purge", s.PurgeDeadLetters)
		}); err != nil {
			return err
		}
	}
	if s.priority != nil {
		if _, err := s.cron.AddFunc(s.expireSchedule, func() {
			s.run("priority.expire", s.ExpirePriorities)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started",
		slog.String("reap", s.reapSchedule),
		slog.String("purge", s.purgeSchedule),
		slog.String("expire", s.expireSchedule))
	return nil
}

// Stop halts the cron runner and waits for any in-flight sweep, honouring
// ctx as a deadline.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("maintenance sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one sweep and reports the outcome.
func (s *Sweeper) run(name string, fn func(ctx context.Context) (int, error)) {
	ctx := context.Background()
	affected, err := fn(ctx)
	if err != nil {
		s.logger.Error("sweep failed",
			slog.String("sweep", name),
			slog.String("error", err.Error()))
		return
	}
	if affected > 0 {
		s.logger.Info("sweep completed",
			slog.String("sweep", name),
			slog.Int("affected", affected))
	}
	if s.hooks != nil {
		s.hooks.EmitSweepFired(ctx, name, affected)
	}
}

// ReapStaleTasks runs the stale-task sweep once, outside the cron schedule.
func (s *Sweeper) ReapStaleTasks(ctx context.Context) (int, error) {
	return s.tasks.ReapStale(ctx)
}

// PurgeDeadLetters runs the dead-letter retention sweep once.
func (s *Sweeper) PurgeDeadLetters(ctx context.Context) (int, error) {
	return s.dlq.Purge(ctx, s.retention)
}

// ExpirePriorities runs the priority-expiry sweep once.
func (s *Sweeper) ExpirePriorities(ctx context.Context) (int, error) {
	return s.priority.ExpireBefore(ctx, time.Now().UTC())
}
