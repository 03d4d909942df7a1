package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	usageservice "github.com/smallbiznis/meterflow/internal/usage/service"
	"github.com/smallbiznis/meterflow/internal/usage/source"
	"go.uber.org/zap"
)

// runMerge merges every batch staged for date as one atomic merge, so a
// failed object leaves the canonical store untouched.
func (r *Runner) runMerge(ctx context.Context, req Request, date time.Time) (stageResult, error) {
	keys, err := r.source.List(ctx, date)
	if err != nil {
		if !errors.Is(err, source.ErrNoBatches) {
			return stageResult{}, fmt.Errorf("list batches: %w", err)
		}
		r.log.Info("no raw batches staged", zap.String("run_id", req.RunID), zap.Time("date", date))
		keys = nil
	}

	var (
		records   []usagedomain.RawUsageRecord
		malformed int64
	)
	for _, key := range keys {
		parsed, bad, err := r.readBatch(ctx, key)
		if err != nil {
			return stageResult{}, err
		}
		records = append(records, parsed...)
		malformed += bad
	}

	res, err := r.usage.Merge(ctx, usagedomain.MergeRequest{
		BatchID:   req.RunID,
		EventDate: date,
		Source:    r.source.Kind(),
		Records:   records,
		Malformed: malformed,
	})
	if err != nil {
		return stageResult{}, err
	}

	detail := res.Detail()
	detail["batches"] = len(keys)
	return stageResult{
		detail: detail,
		rows: map[string]int64{
			"read":     res.Read,
			"inserted": res.Inserted,
			"updated":  res.Updated,
		},
		quality: map[string]int64{
			"malformed": res.Malformed,
			"stale":     res.Stale,
		},
		touched: res.TouchedDates,
	}, nil
}

func (r *Runner) readBatch(ctx context.Context, key string) ([]usagedomain.RawUsageRecord, int64, error) {
	rc, err := r.source.Open(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("open batch %s: %w", key, err)
	}
	defer rc.Close()

	records, malformed, err := usageservice.ParseBatch(rc)
	if err != nil {
		return nil, 0, fmt.Errorf("read batch %s: %w", key, err)
	}
	return records, malformed, nil
}

func (r *Runner) runAggregate(ctx context.Context, req Request, date time.Time) (stageResult, error) {
	res, err := r.aggregation.Aggregate(ctx, date, req.RunID)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		detail: res.Detail(),
		rows:   map[string]int64{"events": res.Events, "groups": res.Groups},
	}, nil
}

func (r *Runner) runRate(ctx context.Context, req Request, date time.Time) (stageResult, error) {
	res, err := r.rating.RateDate(ctx, date, req.RunID)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		detail: res.Detail(),
		rows:   map[string]int64{"aggregates": res.Aggregates, "facts": res.Facts},
		quality: map[string]int64{
			"orphaned_usage":   res.Orphaned,
			"missing_rate":     res.MissingRate,
			"overlapping_rate": res.Overlapping,
		},
	}, nil
}

func (r *Runner) runInvoice(ctx context.Context, req Request, _ time.Time) (stageResult, error) {
	res, err := r.invoices.GeneratePeriod(ctx, invoicedomain.GenerateRequest{
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		BatchID:     req.RunID,
	})
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		detail:     res.Detail(),
		rows:       map[string]int64{"invoices": res.Created, "lines": res.Lines},
		quality:    map[string]int64{"currency_mismatch": res.CurrencyMismatch},
		invoiceIDs: res.InvoiceIDs,
	}, nil
}

func (r *Runner) runReconcile(ctx context.Context, req Request, _ time.Time) (stageResult, error) {
	res, err := r.reconciliation.Reconcile(ctx, req.RunID)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{
		detail: res.Detail(),
		rows:   map[string]int64{"late_events": res.LateEvents, "adjustments": res.Adjustments},
		quality: map[string]int64{
			"missing_rate":      res.MissingRate,
			"currency_mismatch": res.CurrencyMismatch,
			"edited_after_post": res.EditedAfterPost,
		},
		invoiceIDs: res.TouchedInvoiceIDs,
	}, nil
}

func (r *Runner) runAudit(ctx context.Context, req Request, _ time.Time) (stageResult, error) {
	results, err := r.audit.RunChecks(ctx, req.Checks)
	detail := map[string]any{}
	for _, result := range results {
		status := "pass"
		if !result.Passed {
			status = "fail"
			if !result.Fatal {
				status = "warn"
			}
		}
		detail[result.Check] = status
	}
	res := stageResult{detail: detail, rows: map[string]int64{"checks": int64(len(results))}}
	if err != nil {
		if v, ok := auditdomain.AsViolation(err); ok {
			for key, value := range v.Detail {
				detail[v.Check+"."+key] = value
			}
		}
		return res, err
	}
	return res, nil
}
