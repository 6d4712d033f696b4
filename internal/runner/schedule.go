package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
)

// Cycle discovers every configured index URL and then drains the queue.
// Discovery failures are logged and do not stop the drain.
func (r *Runner) Cycle(ctx context.Context) (int, error) {
	for _, indexURL := range r.cfg.IndexURLs {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.DiscoverURLs(ctx, indexURL); err != nil {
			r.logger.Warn("discovery failed", zap.String("index_url", indexURL), zap.Error(err))
		}
	}
	return r.RunUntilEmpty(ctx)
}

// RunWithSchedule runs a cycle immediately and then on every cron tick until
// ctx is canceled. Ticks that fire while a cycle is still running are
// skipped. It returns after the running cycle, if any, has finished.
func (r *Runner) RunWithSchedule(ctx context.Context, expr string) error {
	if expr == "" {
		expr = r.cfg.Schedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	cronLogger := logging.CronLogger(r.logger.Named("cron"))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() { r.scheduledCycle(ctx) }))

	r.logger.Info("scheduler started", zap.String("schedule", expr), zap.Time("next", schedule.Next(r.clock.Now())))
	r.scheduledCycle(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("scheduler stopped")
	return nil
}

func (r *Runner) scheduledCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	completed, err := r.Cycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.logger.Info("cycle interrupted", zap.Int("completed", completed))
	case errors.Is(err, ErrRunInProgress):
		r.logger.Info("cycle skipped: run already in progress")
	default:
		r.logger.Error("cycle failed", zap.Int("completed", completed), zap.Error(err))
	}
}
