package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const amountScale = 10

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Billing      *config.BillingConfigHolder
	InvoiceRepo  invoicedomain.Repository
	UsageRepo    usagedomain.Repository
	CustomerRepo customerdomain.Repository
	Pricing      pricingdomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	billing      *config.BillingConfigHolder
	invoiceRepo  invoicedomain.Repository
	usageRepo    usagedomain.Repository
	customerRepo customerdomain.Repository
	pricing      pricingdomain.Service
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("reconciliation.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		billing:      p.Billing,
		invoiceRepo:  p.InvoiceRepo,
		usageRepo:    p.UsageRepo,
		customerRepo: p.CustomerRepo,
		pricing:      p.Pricing,
	}
}

func (s *Service) Reconcile(ctx context.Context, batchID string) (domain.ReconcileResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return domain.ReconcileResult{}, domain.ErrInvalidBatchID
	}

	policy := s.billing.Get()
	resolver, err := s.pricing.Resolver(ctx)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	var since *time.Time
	if policy.ReconcileLookbackDays > 0 {
		cutoff := s.clock.Now().UTC().AddDate(0, 0, -policy.ReconcileLookbackDays)
		since = &cutoff
	}

	var result domain.ReconcileResult
	// One transaction for the whole stage: a failure on any invoice rolls
	// back the adjustments already posted to the others.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = domain.ReconcileResult{AmountPosted: decimal.Zero}

		invoices, err := s.invoiceRepo.ListIssued(ctx, tx, since)
		if err != nil {
			return err
		}
		owners, err := s.loadOwners(ctx, tx, invoices)
		if err != nil {
			return err
		}

		for _, inv := range invoices {
			if err := ctx.Err(); err != nil {
				return err
			}
			result.InvoicesScanned++

			posted, err := s.reconcileInvoice(ctx, tx, inv.InvoiceID, owners, batchID, resolver, policy, &result)
			if err != nil {
				return fmt.Errorf("reconcile invoice %s: %w", inv.InvoiceID, err)
			}
			if posted {
				result.InvoicesAdjusted++
				result.TouchedInvoiceIDs = append(result.TouchedInvoiceIDs, inv.InvoiceID)
			}
		}
		return nil
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	s.log.Info("reconciliation.completed",
		zap.String("batch_id", batchID),
		zap.Int64("invoices_scanned", result.InvoicesScanned),
		zap.Int64("invoices_adjusted", result.InvoicesAdjusted),
		zap.Int64("adjustments", result.Adjustments),
		zap.Int64("already_adjusted", result.AlreadyAdjusted),
		zap.String("amount_posted", result.AmountPosted.String()),
	)
	return result, nil
}

// reconcileInvoice appends the lines and increments the header of one
// invoice with its row locked. It runs inside the stage transaction.
func (s *Service) reconcileInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, owners periodOwners, batchID string, resolver *pricingdomain.Resolver, policy config.BillingConfig, result *domain.ReconcileResult) (bool, error) {
	inv, err := s.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return false, err
	}
	if inv == nil || inv.Status != invoicedomain.InvoiceStatusIssued {
		return false, nil
	}

	planID := ""
	customer, err := s.customerRepo.FindBySK(ctx, tx, inv.CustomerSK)
	if err != nil {
		return false, err
	}
	if customer != nil {
		planID = customer.PlanID
	}

	events, err := s.usageRepo.ListForCustomerInPeriod(ctx, tx, inv.CustomerID, inv.BillingPeriodStart, inv.BillingPeriodEnd)
	if err != nil {
		return false, err
	}
	late := owners.keep(*inv, lateEvents(events, inv.IssuedTimestamp))
	result.LateEvents += int64(len(late))
	if len(late) == 0 {
		return false, nil
	}

	ids := make([]string, 0, len(late))
	for _, ev := range late {
		ids = append(ids, ev.EventID)
	}
	adjusted, err := s.invoiceRepo.AdjustedEventIDs(ctx, tx, ids)
	if err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	adjustTotal := decimal.Zero
	var lines []invoicedomain.InvoiceLineItem
	for _, ev := range late {
		if postedAt, ok := adjusted[ev.EventID]; ok {
			result.AlreadyAdjusted++
			if ev.LoadTimestamp.After(postedAt) {
				result.EditedAfterPost++
				s.log.Warn("reconciliation.edited_after_adjustment",
					zap.String("event_id", ev.EventID),
					zap.String("invoice_id", inv.InvoiceID.String()),
				)
			}
			continue
		}

		res, ok := resolver.Resolve(ev.ProductID, ev.Unit, planID, ev.EventDate)
		if !ok {
			result.MissingRate++
			s.log.Warn("reconciliation.missing_rate",
				zap.String("event_id", ev.EventID),
				zap.String("product_id", ev.ProductID),
				zap.String("unit", ev.Unit),
				zap.String("event_date", dateutil.Format(ev.EventDate)),
			)
			continue
		}
		if res.Rate.Currency != inv.Currency {
			result.CurrencyMismatch++
			s.log.Warn("reconciliation.currency_mismatch",
				zap.String("event_id", ev.EventID),
				zap.String("invoice_currency", inv.Currency),
				zap.String("rate_currency", res.Rate.Currency),
			)
			continue
		}

		amount := ev.Quantity.Mul(res.Rate.UnitPrice).Round(amountScale)
		eventID := ev.EventID
		rateSK := res.Rate.RateSK
		day := dateutil.Day(ev.EventDate)
		lines = append(lines, invoicedomain.InvoiceLineItem{
			LineItemID:       s.genID.Generate(),
			InvoiceID:        inv.InvoiceID,
			LineType:         invoicedomain.LineTypeAdjustment,
			Description:      fmt.Sprintf("Late usage %s", eventID),
			ProductID:        ev.ProductID,
			Unit:             ev.Unit,
			Quantity:         ev.Quantity,
			UnitPrice:        res.Rate.UnitPrice,
			Amount:           amount,
			RateSK:           &rateSK,
			UsageWindowStart: &day,
			UsageWindowEnd:   &day,
			CalcBatchID:      batchID,
			SourceEventID:    &eventID,
			CreatedAt:        now,
		})
		adjustTotal = adjustTotal.Add(amount)
	}
	if len(lines) == 0 {
		return false, nil
	}
	result.Adjustments += int64(len(lines))

	tax := adjustTotal.Mul(policy.Tax()).Round(2)
	if !tax.IsZero() {
		lines = append(lines, invoicedomain.InvoiceLineItem{
			LineItemID:  s.genID.Generate(),
			InvoiceID:   inv.InvoiceID,
			LineType:    invoicedomain.LineTypeTax,
			Description: "Tax on adjustments",
			Quantity:    adjustTotal,
			UnitPrice:   policy.Tax(),
			Amount:      tax,
			CalcBatchID: batchID,
			CreatedAt:   now,
		})
	}

	if err := s.invoiceRepo.InsertLines(ctx, tx, lines); err != nil {
		return false, err
	}
	if err := s.invoiceRepo.IncrementTotals(ctx, tx, inv.InvoiceID, adjustTotal, tax, now); err != nil {
		return false, err
	}
	if err := s.verify(ctx, tx, inv.InvoiceID, policy.Epsilon()); err != nil {
		return false, err
	}

	result.AmountPosted = result.AmountPosted.Add(adjustTotal)
	s.log.Info("reconciliation.adjustment_posted",
		zap.String("invoice_id", inv.InvoiceID.String()),
		zap.String("customer_id", inv.CustomerID),
		zap.Int("lines", len(lines)),
		zap.String("subtotal_delta", adjustTotal.String()),
		zap.String("tax_delta", tax.String()),
	)
	return true, nil
}

func (s *Service) verify(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, epsilon decimal.Decimal) error {
	inv, err := s.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if inv == nil {
		return invoicedomain.ErrInvoiceNotFound
	}
	sums, err := s.invoiceRepo.SumLines(ctx, tx, []snowflake.ID{invoiceID})
	if err != nil {
		return err
	}
	if !invoicedomain.CheckTotal(inv.Total, sums[invoiceID], epsilon) {
		return fmt.Errorf("%w: invoice %s total %s lines %s",
			invoicedomain.ErrTotalMismatch, invoiceID, inv.Total, sums[invoiceID])
	}
	return nil
}

// lateEvents keeps events first stored after the invoice was issued. An
// event that existed at issuance and was merely re-merged later is not late.
func lateEvents(events []usagedomain.UsageEvent, issued time.Time) []usagedomain.UsageEvent {
	var out []usagedomain.UsageEvent
	for _, ev := range events {
		if ev.LoadTimestamp.After(issued) && ev.FirstLoadTimestamp.After(issued) {
			out = append(out, ev)
		}
	}
	return out
}

type periodKey struct {
	customerID string
	start      time.Time
}

type version struct {
	invoiceID snowflake.ID
	start     time.Time
}

// periodOwners lists, per customer and period with more than one issued
// invoice, the invoices ordered by the start of their customer version.
type periodOwners map[periodKey][]version

// loadOwners maps periods billed to more than one customer version, which
// happens when the customer changed plan mid-period.
func (s *Service) loadOwners(ctx context.Context, tx *gorm.DB, invoices []invoicedomain.Invoice) (periodOwners, error) {
	grouped := make(map[periodKey][]invoicedomain.Invoice)
	for _, inv := range invoices {
		key := periodKey{customerID: inv.CustomerID, start: dateutil.Day(inv.BillingPeriodStart)}
		grouped[key] = append(grouped[key], inv)
	}

	owners := make(periodOwners)
	for key, group := range grouped {
		if len(group) < 2 {
			continue
		}
		sks := make([]snowflake.ID, 0, len(group))
		for _, inv := range group {
			sks = append(sks, inv.CustomerSK)
		}
		dims, err := s.customerRepo.FindBySKs(ctx, tx, sks)
		if err != nil {
			return nil, err
		}
		starts := make(map[snowflake.ID]time.Time, len(dims))
		for _, dim := range dims {
			starts[dim.CustomerSK] = dim.EffectiveStart
		}
		versions := make([]version, 0, len(group))
		for _, inv := range group {
			versions = append(versions, version{invoiceID: inv.InvoiceID, start: starts[inv.CustomerSK]})
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].start.Before(versions[j].start) })
		owners[key] = versions
	}
	return owners, nil
}

// keep drops the events that belong to a sibling invoice of inv: an event
// goes to the invoice of the customer version current at its timestamp, or
// to the earliest version when it predates them all.
func (o periodOwners) keep(inv invoicedomain.Invoice, events []usagedomain.UsageEvent) []usagedomain.UsageEvent {
	versions, ok := o[periodKey{customerID: inv.CustomerID, start: dateutil.Day(inv.BillingPeriodStart)}]
	if !ok {
		return events
	}
	var out []usagedomain.UsageEvent
	for _, ev := range events {
		owner := versions[0].invoiceID
		for _, v := range versions[1:] {
			if v.start.After(ev.EventTimestamp) {
				break
			}
			owner = v.invoiceID
		}
		if owner == inv.InvoiceID {
			out = append(out, ev)
		}
	}
	return out
}
