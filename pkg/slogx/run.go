package slogx

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/pkg/idx"
)

// WithRun attaches a logger tagged with the job name and a fresh run_id.
func WithRun(ctx context.Context, job string) (context.Context, *slog.Logger) {
	logger := FromContext(ctx).With(
		"job", job,
		"run_id", idx.New().String(),
	)
	return WithContext(ctx, logger), logger
}

// Run executes fn under a run-scoped logger and logs its outcome and duration.
// The error from fn is returned unchanged.
func Run(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	ctx, logger := WithRun(ctx, job)
	start := time.Now()

	err := fn(ctx)

	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Error("job_run_failed", "duration_ms", duration, slog.Any("error", err))
		return err
	}
	logger.Debug("job_run", "duration_ms", duration)
	return nil
}
