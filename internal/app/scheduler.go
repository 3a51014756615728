/**
 * @description
 * Cron scheduler setup for the retry sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/debitflow/collection-service/internal/config"
)

// Scheduler manages the periodic retry sweep.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
	config  config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *Sweeper, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:    c,
		sweeper: sweeper,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the retry sweep and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.RetrySweepSchedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule retry sweep", "error", err)
	} else {
		s.logger.Info("scheduled retry sweep", "schedule", s.config.RetrySweepSchedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	retried, err := s.sweeper.Sweep(context.Background())
	if err != nil {
		s.logger.Error("retry sweep failed", "error", err)
		return
	}
	s.logger.Info("retry sweep completed", "retries_initiated", retried)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
