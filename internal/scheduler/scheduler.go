package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/meterflow/internal/clock"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobDaily     = "daily"
	JobClose     = "close_period"
	JobReconcile = "reconcile"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Pipeline is the part of the stage runner the driver fires.
type Pipeline interface {
	RunDaily(ctx context.Context, runID string, date time.Time) (pipeline.Report, error)
	ClosePeriod(ctx context.Context, runID string, start, end time.Time) (pipeline.Report, error)
	Reconcile(ctx context.Context, runID string) (pipeline.Report, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Pipeline Pipeline
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
	Config   Config                       `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	clock    clock.Clock
	pipeline Pipeline
	metrics  *obsmetrics.SchedulerMetrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	fired map[string]string
}

// job is one scheduled flow. due returns the logical key of the occurrence
// that is due at now, if any.
type job struct {
	name string
	due  func(now time.Time) (string, bool)
	run  func(ctx context.Context, key string, run *jobRun) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Pipeline == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		clock:    p.Clock,
		pipeline: p.Pipeline,
		metrics:  metrics,
		sleep:    sleepContext,
		fired:    make(map[string]string),
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: JobDaily, due: s.dailyDue, run: s.runDaily},
		{name: JobClose, due: s.closeDue, run: s.runClose},
		{name: JobReconcile, due: s.reconcileDue, run: s.runReconcile},
	}
}

// RunOnce fires every enabled job whose current occurrence has not fired
// yet. Run ids derive from the occurrence key, so a restarted driver
// replays completed stages instead of redoing them.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now().UTC()
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		key, ok := j.due(now)
		if !ok || !s.claim(j.name, key) {
			continue
		}
		err = errors.Join(err, s.runWithRetry(ctx, j, key))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.TickInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.TickInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claim(jobName, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[jobName] == key {
		return false
	}
	s.fired[jobName] = key
	return true
}

func (s *Scheduler) runWithRetry(ctx context.Context, j job, key string) error {
	attempts := s.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.metrics.IncJobRetry(j.name)
			if sleepErr := s.sleep(ctx, s.cfg.RetryDelay); sleepErr != nil {
				return errors.Join(err, sleepErr)
			}
		}
		err = s.runJob(ctx, j, key, attempt)
		if err == nil {
			return nil
		}
		if !pipeline.Retryable(err) {
			s.log.Error("scheduler job not retried",
				zap.String("job", j.name),
				zap.String("key", key),
				zap.String("error_class", string(pipeline.Classify(err))),
			)
			break
		}
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, j job, key string, attempt int) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, j.name, key, runIDFor(j.name, key))
	run.attempt = attempt
	s.logJobStart(ctx, run)

	err := j.run(ctx, key, run)
	s.logJobFinish(ctx, run, err)
	if err == nil {
		s.metrics.ObserveJob(j.name, obsmetrics.JobOutcomeSuccess, time.Since(run.startedAt))
		s.metrics.MarkJobSuccess(j.name, s.clock.Now())
		return nil
	}

	s.metrics.ObserveJob(j.name, string(pipeline.Classify(err)), time.Since(run.startedAt))
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.IncJobTimeout(j.name)
	}
	return fmt.Errorf("%s %s: %w", j.name, key, err)
}

func (s *Scheduler) runDaily(ctx context.Context, key string, run *jobRun) error {
	date, err := dateutil.Parse(key)
	if err != nil {
		return err
	}
	report, err := s.pipeline.RunDaily(ctx, run.runID, date)
	run.stages = len(report.Stages)
	return err
}

func (s *Scheduler) runClose(ctx context.Context, key string, run *jobRun) error {
	first, err := time.ParseInLocation("2006-01", key, time.UTC)
	if err != nil {
		return err
	}
	start, end := dateutil.MonthBounds(first)
	report, err := s.pipeline.ClosePeriod(ctx, run.runID, start, end)
	run.stages = len(report.Stages)
	return err
}

func (s *Scheduler) runReconcile(ctx context.Context, _ string, run *jobRun) error {
	report, err := s.pipeline.Reconcile(ctx, run.runID)
	run.stages = len(report.Stages)
	return err
}

// dailyDue processes D-1 once now has passed DailyAt on day D.
func (s *Scheduler) dailyDue(now time.Time) (string, bool) {
	today := dateutil.Day(now)
	if now.Before(today.Add(s.cfg.DailyAt)) {
		return "", false
	}
	return dateutil.Format(today.AddDate(0, 0, -1)), true
}

// closeDue closes the previous calendar month once now has passed CloseAt
// on CloseDay.
func (s *Scheduler) closeDue(now time.Time) (string, bool) {
	first := time.Date(now.Year(), now.Month(), s.cfg.CloseDay, 0, 0, 0, 0, time.UTC)
	if now.Before(first.Add(s.cfg.CloseAt)) {
		return "", false
	}
	start, _ := dateutil.PreviousMonth(now)
	return start.Format("2006-01"), true
}

func (s *Scheduler) reconcileDue(now time.Time) (string, bool) {
	today := dateutil.Day(now)
	if now.Before(today.Add(s.cfg.ReconcileAt)) {
		return "", false
	}
	return dateutil.Format(today), true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func runIDFor(jobName, key string) string {
	return jobName + "_" + key
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
