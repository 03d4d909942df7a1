package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"github.com/smallbiznis/meterflow/internal/lock"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	obslogger "github.com/smallbiznis/meterflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/observability/tracing"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/internal/usage/source"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config controls stage execution.
type Config struct {
	// LockTTL bounds how long a crashed run can hold a partition.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{LockTTL: 30 * time.Minute}
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultConfig().LockTTL
	}
	return c
}

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	Locker         lock.Locker
	Source         source.Source
	Usage          usagedomain.Service
	Aggregation    aggregationdomain.Service
	Rating         ratingdomain.Service
	Invoices       invoicedomain.Service
	Reconciliation reconciliationdomain.Service
	Audit          auditdomain.Service
	Metrics        *obsmetrics.PipelineMetrics `optional:"true"`
	Config         Config                      `optional:"true"`
}

type Runner struct {
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	locker         lock.Locker
	source         source.Source
	usage          usagedomain.Service
	aggregation    aggregationdomain.Service
	rating         ratingdomain.Service
	invoices       invoicedomain.Service
	reconciliation reconciliationdomain.Service
	audit          auditdomain.Service
	metrics        *obsmetrics.PipelineMetrics
	stages         map[Stage]stageFunc
}

// stageResult is what a stage hands back for the audit row and metrics.
type stageResult struct {
	detail     map[string]any
	rows       map[string]int64
	quality    map[string]int64
	touched    []time.Time
	invoiceIDs []snowflake.ID
}

type stageFunc func(ctx context.Context, req Request, date time.Time) (stageResult, error)

func New(p Params) *Runner {
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Pipeline()
	}
	r := &Runner{
		log:            p.Log.Named("pipeline"),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		locker:         p.Locker,
		source:         p.Source,
		usage:          p.Usage,
		aggregation:    p.Aggregation,
		rating:         p.Rating,
		invoices:       p.Invoices,
		reconciliation: p.Reconciliation,
		audit:          p.Audit,
		metrics:        metrics,
	}
	r.stages = map[Stage]stageFunc{
		StageMerge:     r.runMerge,
		StageAggregate: r.runAggregate,
		StageRate:      r.runRate,
		StageInvoice:   r.runInvoice,
		StageReconcile: r.runReconcile,
		StageAudit:     r.runAudit,
	}
	return r
}

// Invoke runs one stage. A SUCCESS row for (run_id, stage, execution date)
// turns the call into a replay that touches no data. Every executed
// invocation appends an audit row, SUCCESS or FAILED.
func (r *Runner) Invoke(ctx context.Context, req Request) (Outcome, error) {
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		return Outcome{}, ErrInvalidRunID
	}
	run, ok := r.stages[req.Stage]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStage, req.Stage)
	}
	execDate, err := executionDate(req)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(req.DagID) == "" {
		req.DagID = DagAdhoc
	}

	stage := string(req.Stage)
	ctx = obscontext.WithRun(ctx, req.DagID, req.RunID)
	ctx = obscontext.WithStage(ctx, stage)
	log := obslogger.WithContext(ctx, r.log).With(zap.String("execution_date", dateutil.Format(execDate)))

	prior, err := r.audit.FindSuccess(ctx, req.RunID, stage, execDate)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup prior run: %w", err)
	}
	if prior != nil {
		r.metrics.ObserveStage(stage, obsmetrics.StageStatusReplay, 0)
		log.Info("pipeline.stage.replay")
		return replayOutcome(prior), nil
	}

	start := time.Now()
	spanCtx, span := tracing.StartStage(ctx, stage, req.RunID,
		attribute.String("pipeline.execution_date", dateutil.Format(execDate)),
	)
	log.Info("pipeline.stage.start")

	res, runErr := r.execute(spanCtx, req, execDate, run)

	outcome := Outcome{
		Status:       auditdomain.RunStatusSuccess,
		Detail:       res.detail,
		TouchedDates: res.touched,
		InvoiceIDs:   res.invoiceIDs,
	}
	if outcome.Detail == nil {
		outcome.Detail = map[string]any{}
	}
	if len(res.touched) > 0 {
		outcome.Detail["touched_dates"] = formatDates(res.touched)
	}
	if len(res.invoiceIDs) > 0 {
		outcome.Detail["invoice_ids"] = formatIDs(res.invoiceIDs)
	}
	if runErr != nil {
		outcome.Status = auditdomain.RunStatusFailed
		outcome.Reason = Reason(runErr)
		outcome.Detail["error"] = runErr.Error()
	}

	recordErr := r.audit.Record(ctx, auditdomain.RecordRequest{
		RunID:         req.RunID,
		DagID:         req.DagID,
		StageID:       stage,
		ExecutionDate: execDate,
		Status:        outcome.Status,
		Reason:        outcome.Reason,
		Detail:        outcome.Detail,
	})

	r.observe(stage, outcome, res, runErr, time.Since(start))
	tracing.EndStage(span, string(outcome.Status), outcome.Reason, runErr)

	fields := []zap.Field{
		zap.String("status", string(outcome.Status)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Any("detail", outcome.Detail),
	}
	if runErr != nil {
		log.Error("pipeline.stage.finish", append(fields,
			zap.String("reason", outcome.Reason),
			zap.String("error_class", string(Classify(runErr))),
			zap.Error(runErr),
		)...)
		err := fmt.Errorf("%s %s: %w", stage, dateutil.Format(execDate), runErr)
		if recordErr != nil {
			err = errors.Join(err, fmt.Errorf("record %s audit: %w", stage, recordErr))
		}
		return outcome, err
	}
	log.Info("pipeline.stage.finish", fields...)
	if recordErr != nil {
		return outcome, fmt.Errorf("record %s audit: %w", stage, recordErr)
	}
	return outcome, nil
}

func (r *Runner) execute(ctx context.Context, req Request, date time.Time, run stageFunc) (stageResult, error) {
	key := lock.PartitionKey(string(req.Stage), date)
	token, acquired, err := r.locker.TryLock(ctx, key, r.cfg.LockTTL)
	if err != nil {
		return stageResult{}, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, err)
	}
	if !acquired {
		return stageResult{}, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			r.log.Warn("failed to release partition lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return run(ctx, req, date)
}

func (r *Runner) observe(stage string, outcome Outcome, res stageResult, runErr error, elapsed time.Duration) {
	status := obsmetrics.StageStatusSuccess
	if runErr != nil {
		status = obsmetrics.StageStatusFailed
	}
	r.metrics.ObserveStage(stage, status, elapsed)
	for kind, count := range res.rows {
		r.metrics.AddRows(stage, kind, count)
	}
	for reason, count := range res.quality {
		r.metrics.AddDataQuality(stage, reason, count)
	}
	if runErr == nil || Classify(runErr) != ClassInvariant {
		return
	}
	check := outcome.Reason
	if v, ok := auditdomain.AsViolation(runErr); ok {
		check = v.Check
	}
	r.metrics.IncInvariantViolation(check)
}

func executionDate(req Request) (time.Time, error) {
	if req.Stage == StageInvoice {
		if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || req.PeriodEnd.Before(req.PeriodStart) {
			return time.Time{}, ErrInvalidPeriod
		}
		return dateutil.Day(req.PeriodStart), nil
	}
	if req.Date.IsZero() {
		return time.Time{}, ErrInvalidDate
	}
	return dateutil.Day(req.Date), nil
}

func replayOutcome(prior *auditdomain.PipelineRunAudit) Outcome {
	detail := map[string]any(prior.Detail)
	outcome := Outcome{
		Status:   prior.Status,
		Reason:   prior.Reason,
		Detail:   detail,
		Replayed: true,
	}
	for _, value := range stringList(detail["touched_dates"]) {
		if d, err := dateutil.Parse(value); err == nil {
			outcome.TouchedDates = append(outcome.TouchedDates, d)
		}
	}
	for _, value := range stringList(detail["invoice_ids"]) {
		if id, err := snowflake.ParseString(value); err == nil {
			outcome.InvoiceIDs = append(outcome.InvoiceIDs, id)
		}
	}
	return outcome
}

// stringList reads a list stored in an audit detail, which comes back from a
// JSON column as []any.
func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func formatDates(dates []time.Time) []string {
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, dateutil.Format(d))
	}
	return out
}

func formatIDs(ids []snowflake.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
