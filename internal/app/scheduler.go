/**
 * @description
 * Cron scheduler setup for the payout saga maintenance jobs.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          *Jobs
	logger        *slog.Logger
	sweepSchedule string
	pruneSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, sweepSchedule, pruneSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		logger:        logger,
		sweepSchedule: sweepSchedule,
		pruneSchedule: pruneSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler. A schedule that does
// not parse is an error, so a misconfigured service fails at startup.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.jobs.ResumeStalePayouts); err != nil {
		return fmt.Errorf("schedule stale payout sweep %q: %w", s.sweepSchedule, err)
	}
	s.logger.Info("scheduled stale payout sweep", "schedule", s.sweepSchedule)

	if _, err := s.cron.AddFunc(s.pruneSchedule, s.jobs.PruneEndedPayouts); err != nil {
		return fmt.Errorf("schedule payout prune %q: %w", s.pruneSchedule, err)
	}
	s.logger.Info("scheduled payout prune", "schedule", s.pruneSchedule)

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
