package pipeline

import (
	"context"
	"sort"
	"time"

	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/zap"
)

// RunDaily merges the batches staged for date, then re-aggregates and
// re-rates every event date the merge touched plus date itself, and finally
// audits the canonical store.
func (r *Runner) RunDaily(ctx context.Context, runID string, date time.Time) (Report, error) {
	return r.runDaily(ctx, DagDaily, runID, date)
}

func (r *Runner) runDaily(ctx context.Context, dagID, runID string, date time.Time) (Report, error) {
	report := Report{RunID: runID, DagID: dagID}
	date = dateutil.Day(date)

	merged, err := r.Invoke(ctx, Request{Stage: StageMerge, RunID: runID, DagID: dagID, Date: date})
	report.add(StageMerge, date, merged)
	if err != nil {
		return report, err
	}

	for _, day := range partitions(date, merged.TouchedDates) {
		for _, stage := range []Stage{StageAggregate, StageRate} {
			outcome, err := r.Invoke(ctx, Request{Stage: stage, RunID: runID, DagID: dagID, Date: day})
			report.add(stage, day, outcome)
			if err != nil {
				return report, err
			}
		}
	}

	audited, err := r.Invoke(ctx, Request{
		Stage:  StageAudit,
		RunID:  runID,
		DagID:  dagID,
		Date:   date,
		Checks: auditdomain.Scope{Events: true, Customers: true, Rates: true},
	})
	report.add(StageAudit, date, audited)
	return report, err
}

// ClosePeriod issues invoices for [start, end] and checks the totals of the
// invoices it created.
func (r *Runner) ClosePeriod(ctx context.Context, runID string, start, end time.Time) (Report, error) {
	return r.closePeriod(ctx, DagClose, runID, start, end)
}

func (r *Runner) closePeriod(ctx context.Context, dagID, runID string, start, end time.Time) (Report, error) {
	report := Report{RunID: runID, DagID: dagID}
	start, end = dateutil.Day(start), dateutil.Day(end)

	invoiced, err := r.Invoke(ctx, Request{Stage: StageInvoice, RunID: runID, DagID: dagID, PeriodStart: start, PeriodEnd: end})
	report.add(StageInvoice, start, invoiced)
	if err != nil {
		return report, err
	}

	audited, err := r.Invoke(ctx, Request{
		Stage: StageAudit,
		RunID: runID,
		DagID: dagID,
		Date:  start,
		Checks: auditdomain.Scope{
			Invoices:   len(invoiced.InvoiceIDs) > 0,
			InvoiceIDs: invoiced.InvoiceIDs,
		},
	})
	report.add(StageAudit, start, audited)
	return report, err
}

// Reconcile posts late usage onto issued invoices and checks the totals of
// every invoice it touched.
func (r *Runner) Reconcile(ctx context.Context, runID string) (Report, error) {
	report := Report{RunID: runID, DagID: DagReconcile}
	today := dateutil.Day(r.clock.Now())

	reconciled, err := r.Invoke(ctx, Request{Stage: StageReconcile, RunID: runID, DagID: DagReconcile, Date: today})
	report.add(StageReconcile, today, reconciled)
	if err != nil {
		return report, err
	}

	audited, err := r.Invoke(ctx, Request{
		Stage: StageAudit,
		RunID: runID,
		DagID: DagReconcile,
		Date:  today,
		Checks: auditdomain.Scope{
			Invoices:   len(reconciled.InvoiceIDs) > 0,
			InvoiceIDs: reconciled.InvoiceIDs,
		},
	})
	report.add(StageAudit, today, audited)
	return report, err
}

// Backfill runs the daily pipeline for every date in [from, to] with run id
// backfill_<date>, then closes each calendar month lying fully inside the
// range with run id backfill_<yyyy-mm>. It stops at the first failure.
func (r *Runner) Backfill(ctx context.Context, from, to time.Time) ([]Report, error) {
	days := dateutil.Range(from, to)
	if len(days) == 0 {
		return nil, ErrInvalidPeriod
	}

	reports := make([]Report, 0, len(days))
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := r.runDaily(ctx, DagBackfill, "backfill_"+dateutil.Format(day), day)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}

	for _, month := range completeMonths(days[0], days[len(days)-1]) {
		runID := "backfill_" + month[0].Format("2006-01")
		report, err := r.closePeriod(ctx, DagBackfill, runID, month[0], month[1])
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	r.log.Info("pipeline.backfill.completed",
		zap.String("from", dateutil.Format(days[0])),
		zap.String("to", dateutil.Format(days[len(days)-1])),
		zap.Int("runs", len(reports)),
	)
	return reports, nil
}

// partitions returns date plus every touched date, ascending and unique.
func partitions(date time.Time, touched []time.Time) []time.Time {
	seen := map[time.Time]struct{}{date: {}}
	out := []time.Time{date}
	for _, d := range touched {
		d = dateutil.Day(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// completeMonths lists the [first, last] bounds of each month inside [from, to].
func completeMonths(from, to time.Time) [][2]time.Time {
	var out [][2]time.Time
	for start, _ := dateutil.MonthBounds(from); !start.After(to); start = start.AddDate(0, 1, 0) {
		first, last := dateutil.MonthBounds(start)
		if first.Before(from) || last.After(to) {
			continue
		}
		out = append(out, [2]time.Time{first, last})
	}
	return out
}
