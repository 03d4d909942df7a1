package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxReportedItems bounds the ids copied into a failed check's detail.
const maxReportedItems = 20

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Billing  *config.BillingConfigHolder
	Repo     auditdomain.Repository
	Usage    usagedomain.Service
	Invoices invoicedomain.Service
	Pricing  pricingdomain.Service
	Customer customerdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	repo     auditdomain.Repository
	usage    usagedomain.Service
	invoices invoicedomain.Service
	pricing  pricingdomain.Service
	customer customerdomain.Service
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("audit.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		billing:  p.Billing,
		repo:     p.Repo,
		usage:    p.Usage,
		invoices: p.Invoices,
		pricing:  p.Pricing,
		customer: p.Customer,
	}
}

func (s *Service) Record(ctx context.Context, req auditdomain.RecordRequest) error {
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		return auditdomain.ErrInvalidRunID
	}
	stageID := strings.TrimSpace(req.StageID)
	if stageID == "" {
		return auditdomain.ErrInvalidStage
	}
	if req.Status != auditdomain.RunStatusSuccess && req.Status != auditdomain.RunStatusFailed {
		return auditdomain.ErrInvalidStatus
	}

	payload := map[string]any{}
	for key, value := range req.Detail {
		if key == "" {
			continue
		}
		payload[key] = value
	}

	entry := auditdomain.PipelineRunAudit{
		ID:               s.genID.Generate(),
		RunID:            runID,
		DagID:            strings.TrimSpace(req.DagID),
		StageID:          stageID,
		ExecutionDate:    dateutil.Day(req.ExecutionDate),
		Status:           req.Status,
		Reason:           req.Reason,
		Detail:           datatypes.JSONMap(payload),
		CreatedTimestamp: s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write pipeline audit", zap.String("run_id", runID), zap.String("stage", stageID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) FindSuccess(ctx context.Context, runID, stageID string, executionDate time.Time) (*auditdomain.PipelineRunAudit, error) {
	return s.repo.FindSuccess(ctx, s.db, runID, stageID, dateutil.Day(executionDate))
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.PipelineRunAudit, error) {
	if filter.Limit <= 0 || filter.Limit > 250 {
		filter.Limit = 50
	}
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	entries := make([]auditdomain.PipelineRunAudit, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}
	return entries, nil
}

func (s *Service) CheckDuplicateEvents(ctx context.Context) (auditdomain.CheckResult, error) {
	dups, err := s.usage.CountDuplicateEventIDs(ctx)
	if err != nil {
		return auditdomain.CheckResult{}, err
	}
	if dups > 0 {
		return auditdomain.Fail(auditdomain.CheckDuplicateEvents, auditdomain.ReasonDuplicateEventID, true,
			map[string]any{"duplicate_event_ids": dups}), nil
	}
	return auditdomain.Pass(auditdomain.CheckDuplicateEvents, nil), nil
}

func (s *Service) CheckInvoiceTotals(ctx context.Context, invoiceIDs []snowflake.ID) (auditdomain.CheckResult, error) {
	mismatches, err := s.invoices.FindMismatches(ctx, invoiceIDs)
	if err != nil {
		return auditdomain.CheckResult{}, err
	}
	if len(mismatches) == 0 {
		return auditdomain.Pass(auditdomain.CheckInvoiceTotals, map[string]any{"invoices_checked": len(invoiceIDs)}), nil
	}

	ids := make([]string, 0, maxReportedItems)
	for i, m := range mismatches {
		if i == maxReportedItems {
			break
		}
		ids = append(ids, m.InvoiceID.String())
	}
	return auditdomain.Fail(auditdomain.CheckInvoiceTotals, auditdomain.ReasonTotalMismatch, true, map[string]any{
		"mismatched_invoices": len(mismatches),
		"invoice_ids":         ids,
	}), nil
}

// CheckRateOverlaps fails fatally only under strict_rate_overlap; rating
// otherwise resolves overlaps by recency.
func (s *Service) CheckRateOverlaps(ctx context.Context) (auditdomain.CheckResult, error) {
	overlaps, err := s.pricing.CheckOverlaps(ctx)
	if err != nil {
		return auditdomain.CheckResult{}, err
	}
	if len(overlaps) == 0 {
		return auditdomain.Pass(auditdomain.CheckRateOverlaps, nil), nil
	}

	pairs := make([]string, 0, maxReportedItems)
	for i, o := range overlaps {
		if i == maxReportedItems {
			break
		}
		pairs = append(pairs, o.A+"/"+o.B)
	}
	strict := s.billing.Get().StrictRateOverlap
	return auditdomain.Fail(auditdomain.CheckRateOverlaps, auditdomain.ReasonRateOverlap, strict, map[string]any{
		"overlaps": len(overlaps),
		"pairs":    pairs,
	}), nil
}

func (s *Service) CheckCurrentCustomers(ctx context.Context) (auditdomain.CheckResult, error) {
	ids, err := s.customer.CustomersWithMultipleCurrent(ctx)
	if err != nil {
		return auditdomain.CheckResult{}, err
	}
	if len(ids) == 0 {
		return auditdomain.Pass(auditdomain.CheckCurrentCustomers, nil), nil
	}
	if len(ids) > maxReportedItems {
		ids = ids[:maxReportedItems]
	}
	return auditdomain.Fail(auditdomain.CheckCurrentCustomers, auditdomain.ReasonMultipleCurrent, true, map[string]any{
		"customer_ids": ids,
	}), nil
}

func (s *Service) RunChecks(ctx context.Context, scope auditdomain.Scope) ([]auditdomain.CheckResult, error) {
	type check func(context.Context) (auditdomain.CheckResult, error)

	var checks []check
	if scope.Events {
		checks = append(checks, s.CheckDuplicateEvents)
	}
	if scope.Customers {
		checks = append(checks, s.CheckCurrentCustomers)
	}
	if scope.Rates {
		checks = append(checks, s.CheckRateOverlaps)
	}
	if scope.Invoices {
		checks = append(checks, func(ctx context.Context) (auditdomain.CheckResult, error) {
			return s.CheckInvoiceTotals(ctx, scope.InvoiceIDs)
		})
	}

	results := make([]auditdomain.CheckResult, 0, len(checks))
	var violation error
	for _, run := range checks {
		result, err := run(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.Passed {
			continue
		}
		s.log.Warn("audit.check_failed",
			zap.String("check", result.Check),
			zap.String("reason", result.Reason),
			zap.Bool("fatal", result.Fatal),
			zap.Any("detail", result.Detail),
		)
		if violation == nil {
			violation = result.Err()
		}
	}
	return results, violation
}
