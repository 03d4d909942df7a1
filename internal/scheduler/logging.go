package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	obslogger "github.com/smallbiznis/meterflow/internal/observability/logger"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	runID     string
	key       string
	attempt   int
	startedAt time.Time
	stages    int
}

func (s *Scheduler) newJobRun(ctx context.Context, job, key, runID string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     runID,
		key:       key,
		startedAt: time.Now(),
	}
	return obscontext.WithRun(ctx, job, runID), run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("key", run.key),
		zap.Int("attempt", run.attempt),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("key", run.key),
		zap.Int("attempt", run.attempt),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("stages", run.stages),
	}
	if err == nil {
		s.logger(ctx).Info("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Error("scheduler.job.finish", append(fields,
		zap.String("error_class", string(pipeline.Classify(err))),
		zap.Bool("retryable", pipeline.Retryable(err)),
		zap.Error(err),
	)...)
}
