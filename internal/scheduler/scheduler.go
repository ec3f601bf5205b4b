// Package scheduler runs the service's periodic maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is a job that reports how many records it touched.
type Sweeper interface {
	Run(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		timeout: 30 * time.Second,
		logger:  logger.With("component", "scheduler"),
	}
}

// Add registers job under name on schedule, e.g. "@every 1m".
func (s *Scheduler) Add(name, schedule string, job Sweeper) error {
	_, err := s.cron.AddFunc(schedule, func() { s.runOnce(name, job) })
	if err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) runOnce(name string, job Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("job failed", "job", name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("job completed", "job", name, "affected", n)
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
