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
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/meterflow/internal/invoice/format"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"github.com/smallbiznis/meterflow/pkg/db/option"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// unitPriceScale is the display precision of averaged line unit prices.
const unitPriceScale = 6

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Repo    invoicedomain.Repository
	Rating  ratingdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	repo        invoicedomain.Repository
	invoicerepo repository.Repository[invoicedomain.Invoice]
	linerepo    repository.Repository[invoicedomain.InvoiceLineItem]
	rating      ratingdomain.Service
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,

		clock:       p.Clock,
		billing:     p.Billing,
		repo:        p.Repo,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		linerepo:    repository.ProvideStore[invoicedomain.InvoiceLineItem](p.DB),
		rating:      p.Rating,
	}
}

type customerFacts struct {
	customerSK snowflake.ID
	customerID string
	facts      []*ratingdomain.DailyCostFact
}

func (s *Service) GeneratePeriod(ctx context.Context, req invoicedomain.GenerateRequest) (invoicedomain.GenerateResult, error) {
	start, end := dateutil.Day(req.PeriodStart), dateutil.Day(req.PeriodEnd)
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || end.Before(start) {
		return invoicedomain.GenerateResult{}, invoicedomain.ErrInvalidPeriod
	}
	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		return invoicedomain.GenerateResult{}, invoicedomain.ErrInvalidBatchID
	}

	facts, err := s.rating.ListInPeriod(ctx, start, end)
	if err != nil {
		return invoicedomain.GenerateResult{}, err
	}
	groups := groupByCustomer(facts)

	policy := s.billing.Get()
	var result invoicedomain.GenerateResult
	result.Customers = int64(len(groups))

	billable := make([]customerFacts, 0, len(groups))
	for _, group := range groups {
		subtotal, err := summarize(group.facts)
		if err != nil {
			result.CurrencyMismatch++
			s.log.Warn("invoice.currency_mismatch",
				zap.String("customer_id", group.customerID),
				zap.String("customer_sk", group.customerSK.String()),
			)
			continue
		}
		if !subtotal.IsPositive() {
			result.SkippedZero++
			continue
		}
		billable = append(billable, group)
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sks := make([]snowflake.ID, 0, len(billable))
		for _, group := range billable {
			sks = append(sks, group.customerSK)
		}
		existing, err := s.repo.FindByCustomersAndPeriod(ctx, tx, sks, start, end)
		if err != nil {
			return err
		}
		invoiced := make(map[snowflake.ID]struct{}, len(existing))
		for _, inv := range existing {
			invoiced[inv.CustomerSK] = struct{}{}
		}

		seq, err := s.repo.NextSequence(ctx, tx)
		if err != nil {
			return err
		}

		invoices := make([]*invoicedomain.Invoice, 0, len(billable))
		var lines []*invoicedomain.InvoiceLineItem
		for _, group := range billable {
			if _, ok := invoiced[group.customerSK]; ok {
				result.Existing++
				continue
			}

			invoice, invoiceLines, err := s.buildInvoice(group, start, end, seq, batchID, policy, now)
			if err != nil {
				return err
			}
			seq++
			invoices = append(invoices, invoice)
			lines = append(lines, invoiceLines...)
		}
		if len(invoices) == 0 {
			return nil
		}

		if err := s.invoicerepo.WithTrx(tx).BatchCreate(ctx, invoices); err != nil {
			return err
		}
		if err := s.linerepo.WithTrx(tx).BatchCreate(ctx, lines); err != nil {
			return err
		}

		ids, err := s.verifyTotals(ctx, tx, invoices, policy.Epsilon())
		if err != nil {
			return err
		}

		result.Created = int64(len(invoices))
		result.Lines = int64(len(lines))
		result.InvoiceIDs = ids
		return nil
	})
	if err != nil {
		return invoicedomain.GenerateResult{}, fmt.Errorf("generate invoices %s..%s: %w", dateutil.Format(start), dateutil.Format(end), err)
	}

	s.log.Info("invoice.generate.completed",
		zap.String("period_start", dateutil.Format(start)),
		zap.String("period_end", dateutil.Format(end)),
		zap.String("batch_id", batchID),
		zap.Int64("customers", result.Customers),
		zap.Int64("created", result.Created),
		zap.Int64("existing", result.Existing),
		zap.Int64("skipped_zero", result.SkippedZero),
		zap.Int64("currency_mismatch", result.CurrencyMismatch),
	)
	return result, nil
}

func (s *Service) buildInvoice(group customerFacts, start, end time.Time, seq int64, batchID string, policy config.BillingConfig, now time.Time) (*invoicedomain.Invoice, []*invoicedomain.InvoiceLineItem, error) {
	number, err := invoiceformat.FormatInvoiceNumber(invoiceformat.DefaultInvoiceNumberTemplate, start, seq)
	if err != nil {
		return nil, nil, err
	}

	invoiceID := s.genID.Generate()
	lines := usageLines(group.facts)
	subtotal := decimal.Zero
	for _, line := range lines {
		line.LineItemID = s.genID.Generate()
		line.InvoiceID = invoiceID
		line.CalcBatchID = batchID
		line.CreatedAt = now
		subtotal = subtotal.Add(line.Amount)
	}

	tax := subtotal.Mul(policy.Tax()).Round(2)
	if !tax.IsZero() {
		lines = append(lines, &invoicedomain.InvoiceLineItem{
			LineItemID:  s.genID.Generate(),
			InvoiceID:   invoiceID,
			LineType:    invoicedomain.LineTypeTax,
			Description: "Tax",
			Quantity:    subtotal,
			UnitPrice:   policy.Tax(),
			Amount:      tax,
			CalcBatchID: batchID,
			CreatedAt:   now,
		})
	}

	invoice := &invoicedomain.Invoice{
		InvoiceID:          invoiceID,
		InvoiceNumber:      number,
		InvoiceSeq:         seq,
		CustomerSK:         group.customerSK,
		CustomerID:         group.customerID,
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
		IssuedTimestamp:    now,
		Status:             invoicedomain.InvoiceStatusIssued,
		Subtotal:           subtotal,
		Tax:                tax,
		Total:              subtotal.Add(tax),
		Currency:           group.facts[0].Currency,
		BatchID:            batchID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return invoice, lines, nil
}

// verifyTotals re-reads the persisted line sums so a violation rolls the
// whole close back.
func (s *Service) verifyTotals(ctx context.Context, tx *gorm.DB, invoices []*invoicedomain.Invoice, epsilon decimal.Decimal) ([]snowflake.ID, error) {
	ids := make([]snowflake.ID, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.InvoiceID)
	}
	sums, err := s.repo.SumLines(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if !invoicedomain.CheckTotal(inv.Total, sums[inv.InvoiceID], epsilon) {
			return nil, fmt.Errorf("%w: invoice %s total %s lines %s",
				invoicedomain.ErrTotalMismatch, inv.InvoiceID, inv.Total, sums[inv.InvoiceID])
		}
	}
	return ids, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	item, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{InvoiceID: invoiceID})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if item == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *item, nil
}

func (s *Service) ListByPeriod(ctx context.Context, start, end time.Time) ([]invoicedomain.Invoice, error) {
	items, err := s.invoicerepo.Find(ctx, nil,
		option.WithWhere("billing_period_start = ? AND billing_period_end = ?", dateutil.Day(start), dateutil.Day(end)),
		option.WithSortBy("invoice_seq", false),
	)
	if err != nil {
		return nil, err
	}
	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return invoices, nil
}

func (s *Service) ListLines(ctx context.Context, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLineItem, error) {
	items, err := s.linerepo.Find(ctx, &invoicedomain.InvoiceLineItem{InvoiceID: invoiceID},
		option.WithSortBy("created_at", false),
		option.WithSortBy("line_item_id", false),
	)
	if err != nil {
		return nil, err
	}
	lines := make([]invoicedomain.InvoiceLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, *item)
	}
	return lines, nil
}

func (s *Service) VoidInvoice(ctx context.Context, invoiceID string, reason string) error {
	id, err := snowflake.ParseString(strings.TrimSpace(invoiceID))
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}

	reason = strings.TrimSpace(reason)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status != invoicedomain.InvoiceStatusIssued {
			return invoicedomain.ErrInvoiceNotIssued
		}
		return s.repo.Void(ctx, tx, id, reason, s.clock.Now().UTC())
	})
	if err != nil {
		return err
	}

	s.log.Info("invoice.voided", zap.String("invoice_id", id.String()), zap.String("reason", reason))
	return nil
}

func (s *Service) FindMismatches(ctx context.Context, invoiceIDs []snowflake.ID) ([]invoicedomain.TotalMismatch, error) {
	opts := []option.QueryOption{option.WithSortBy("invoice_seq", false)}
	if len(invoiceIDs) > 0 {
		opts = append(opts, option.WithIn("invoice_id", invoiceIDs))
	}
	invoices, err := s.invoicerepo.Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	sums, err := s.repo.SumLines(ctx, s.db, invoiceIDs)
	if err != nil {
		return nil, err
	}

	epsilon := s.billing.Get().Epsilon()
	var out []invoicedomain.TotalMismatch
	for _, inv := range invoices {
		sum := sums[inv.InvoiceID]
		if invoicedomain.CheckTotal(inv.Total, sum, epsilon) {
			continue
		}
		out = append(out, invoicedomain.TotalMismatch{InvoiceID: inv.InvoiceID, Total: inv.Total, LineSum: sum})
	}
	return out, nil
}

func groupByCustomer(facts []*ratingdomain.DailyCostFact) []customerFacts {
	index := make(map[snowflake.ID]int)
	var groups []customerFacts
	for _, fact := range facts {
		i, ok := index[fact.CustomerSK]
		if !ok {
			i = len(groups)
			index[fact.CustomerSK] = i
			groups = append(groups, customerFacts{customerSK: fact.CustomerSK, customerID: fact.CustomerID})
		}
		groups[i].facts = append(groups[i].facts, fact)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].customerID != groups[j].customerID {
			return groups[i].customerID < groups[j].customerID
		}
		return groups[i].customerSK < groups[j].customerSK
	})
	return groups
}

func summarize(facts []*ratingdomain.DailyCostFact) (decimal.Decimal, error) {
	currency := facts[0].Currency
	subtotal := decimal.Zero
	for _, fact := range facts {
		if fact.Currency != currency {
			return decimal.Zero, invoicedomain.ErrCurrencyMismatch
		}
		subtotal = subtotal.Add(fact.CostAmount)
	}
	return subtotal, nil
}

type lineKey struct {
	productID string
	unit      string
}

// usageLines builds one usage line per (product_id, unit). The unit price
// is the plain mean of the contributing fact unit prices; the amount is the
// exact cost sum and stays authoritative.
func usageLines(facts []*ratingdomain.DailyCostFact) []*invoicedomain.InvoiceLineItem {
	type acc struct {
		quantity   decimal.Decimal
		amount     decimal.Decimal
		priceSum   decimal.Decimal
		rows       int64
		first      time.Time
		last       time.Time
		latestRate snowflake.ID
	}

	accs := make(map[lineKey]*acc)
	var keys []lineKey
	for _, fact := range facts {
		key := lineKey{productID: fact.ProductID, unit: fact.Unit}
		a, ok := accs[key]
		if !ok {
			a = &acc{quantity: decimal.Zero, amount: decimal.Zero, priceSum: decimal.Zero, first: fact.DateID, last: fact.DateID, latestRate: fact.RateSK}
			accs[key] = a
			keys = append(keys, key)
		}
		a.quantity = a.quantity.Add(fact.BillableQuantity)
		a.amount = a.amount.Add(fact.CostAmount)
		a.priceSum = a.priceSum.Add(fact.UnitPrice)
		a.rows++
		if fact.DateID.Before(a.first) {
			a.first = fact.DateID
		}
		if !fact.DateID.Before(a.last) {
			a.last = fact.DateID
			a.latestRate = fact.RateSK
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].unit < keys[j].unit
	})

	lines := make([]*invoicedomain.InvoiceLineItem, 0, len(keys))
	for _, key := range keys {
		a := accs[key]
		rateSK := a.latestRate
		first, last := dateutil.Day(a.first), dateutil.Day(a.last)
		lines = append(lines, &invoicedomain.InvoiceLineItem{
			LineType:         invoicedomain.LineTypeUsage,
			Description:      fmt.Sprintf("%s usage (%s)", key.productID, key.unit),
			ProductID:        key.productID,
			Unit:             key.unit,
			Quantity:         a.quantity,
			UnitPrice:        a.priceSum.Div(decimal.NewFromInt(a.rows)).Round(unitPriceScale),
			Amount:           a.amount,
			RateSK:           &rateSK,
			UsageWindowStart: &first,
			UsageWindowEnd:   &last,
		})
	}
	return lines
}
