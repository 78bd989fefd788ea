/**
 * @description
 * Scheduled maintenance of the payout saga, run by the cron scheduler.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// SagaMaintainer is the part of the payout saga the jobs drive.
type SagaMaintainer interface {
	ResumeStale(ctx context.Context, olderThan time.Duration) (int, error)
	PruneEnded(ctx context.Context, retention time.Duration) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	saga       SagaMaintainer
	logger     *slog.Logger
	staleAfter time.Duration
	retention  time.Duration
	timeout    time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(saga SagaMaintainer, logger *slog.Logger, staleAfter, retention time.Duration) *Jobs {
	return &Jobs{
		saga:       saga,
		logger:     logger,
		staleAfter: staleAfter,
		retention:  retention,
		timeout:    5 * time.Minute,
	}
}

// ResumeStalePayouts continues payouts that stopped on a transient failure.
func (j *Jobs) ResumeStalePayouts() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	resumed, err := j.saga.ResumeStale(ctx, j.staleAfter)
	if err != nil {
		j.logger.Error("failed to resume stale payouts", "error", err)
		return
	}
	if resumed > 0 {
		j.logger.Info("resumed stale payouts", "count", resumed)
	}
}

// PruneEndedPayouts drops finished saga instances past their retention.
func (j *Jobs) PruneEndedPayouts() {
	j.logger.Info("starting payout saga prune job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	pruned, err := j.saga.PruneEnded(ctx, j.retention)
	if err != nil {
		j.logger.Error("failed to prune ended payouts", "error", err)
		return
	}
	j.logger.Info("payout saga prune job finished", "pruned", pruned)
}
