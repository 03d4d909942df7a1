package service

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"github.com/smallbiznis/meterflow/internal/invoice/repository"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	ratingservice "github.com/smallbiznis/meterflow/internal/rating/service"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
)

func setupInvoiceService(t *testing.T, taxRate float64) (invoicedomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := dbtest.Open(t,
		&ratingdomain.DailyCostFact{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 2, 1, 4, 0, 0, 0, time.UTC))

	billing := config.DefaultBillingConfig()
	billing.TaxRate = taxRate

	rating := ratingservice.NewService(ratingservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
	})
	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Billing: config.NewStaticBillingConfig(billing),
		Repo:    repository.Provide(),
		Rating:  rating,
	})
	return svc, db, clk
}

func seedFact(t *testing.T, db *gorm.DB, sk snowflake.ID, customer string, day int, product, unit, qty, price, currency string, rateSK snowflake.ID) {
	t.Helper()
	quantity := decimal.RequireFromString(qty)
	unitPrice := decimal.RequireFromString(price)
	require.NoError(t, db.Create(&ratingdomain.DailyCostFact{
		DateID:           time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		CustomerSK:       sk,
		ProductID:        product,
		Unit:             unit,
		CustomerID:       customer,
		TotalQuantity:    quantity,
		BillableQuantity: quantity,
		UnitPrice:        unitPrice,
		CostAmount:       quantity.Mul(unitPrice),
		Currency:         currency,
		RateSK:           rateSK,
		BatchID:          "rate",
		LoadTimestamp:    periodEnd,
	}).Error)
}

func TestGeneratePeriodCreatesInvoicesWithLines(t *testing.T) {
	svc, db, clk := setupInvoiceService(t, 0.1)
	ctx := context.Background()

	seedFact(t, db, 101, "cust_a", 10, "storage", "gb_month", "120", "0.10", "USD", 1)
	seedFact(t, db, 101, "cust_a", 20, "storage", "gb_month", "20", "0.15", "USD", 2)
	seedFact(t, db, 101, "cust_a", 10, "api_calls", "calls", "1000", "0.0008", "USD", 3)
	seedFact(t, db, 102, "cust_b", 10, "api_calls", "calls", "1000", "0", "USD", 4)
	seedFact(t, db, 103, "cust_c", 10, "storage", "gb_month", "1", "1", "USD", 1)
	seedFact(t, db, 103, "cust_c", 11, "storage", "gb_month", "1", "1", "EUR", 5)
	seedFact(t, db, 101, "cust_a", 1, "storage", "gb_month", "0", "0.10", "USD", 1)

	result, err := svc.GeneratePeriod(ctx, invoicedomain.GenerateRequest{PeriodStart: periodStart, PeriodEnd: periodEnd, BatchID: "close_2024_01"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Customers)
	assert.Equal(t, int64(1), result.Created)
	assert.Equal(t, int64(1), result.SkippedZero)
	assert.Equal(t, int64(1), result.CurrencyMismatch)
	require.Len(t, result.InvoiceIDs, 1)

	invoice, err := svc.GetByID(ctx, result.InvoiceIDs[0].String())
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(101), invoice.CustomerSK)
	assert.Equal(t, "cust_a", invoice.CustomerID)
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, invoice.Status)
	assert.Equal(t, "INV-202401-000001", invoice.InvoiceNumber)
	assert.True(t, invoice.IssuedTimestamp.Equal(clk.Now()))
	assert.True(t, invoice.Subtotal.Equal(decimal.RequireFromString("15.8")), invoice.Subtotal.String())
	assert.True(t, invoice.Tax.Equal(decimal.RequireFromString("1.58")), invoice.Tax.String())
	assert.True(t, invoice.Total.Equal(decimal.RequireFromString("17.38")), invoice.Total.String())

	lines, err := svc.ListLines(ctx, invoice.InvoiceID)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	byType := map[string]invoicedomain.InvoiceLineItem{}
	sum := decimal.Zero
	for _, line := range lines {
		byType[string(line.LineType)+":"+line.ProductID] = line
		sum = sum.Add(line.Amount)
	}
	assert.True(t, invoicedomain.CheckTotal(invoice.Total, sum, decimal.RequireFromString("0.01")))

	storage := byType["usage:storage"]
	assert.True(t, storage.Quantity.Equal(decimal.NewFromInt(140)))
	assert.True(t, storage.Amount.Equal(decimal.NewFromInt(15)))
	assert.True(t, storage.UnitPrice.Equal(decimal.RequireFromString("0.116667")), storage.UnitPrice.String())
	require.NotNil(t, storage.RateSK)
	assert.Equal(t, snowflake.ID(2), *storage.RateSK)
	require.NotNil(t, storage.UsageWindowStart)
	assert.Equal(t, 1, storage.UsageWindowStart.Day())
	assert.Equal(t, 20, storage.UsageWindowEnd.Day())
	assert.Equal(t, "close_2024_01", storage.CalcBatchID)

	tax := byType["tax:"]
	assert.True(t, tax.Amount.Equal(decimal.RequireFromString("1.58")))

	mismatches, err := svc.FindMismatches(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestGeneratePeriodIsIdempotent(t *testing.T) {
	svc, db, _ := setupInvoiceService(t, 0)
	ctx := context.Background()
	seedFact(t, db, 101, "cust_a", 10, "storage", "gb_month", "120", "0.10", "USD", 1)

	req := invoicedomain.GenerateRequest{PeriodStart: periodStart, PeriodEnd: periodEnd, BatchID: "close"}
	first, err := svc.GeneratePeriod(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Created)

	second, err := svc.GeneratePeriod(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, int64(1), second.Existing)

	invoices, err := svc.ListByPeriod(ctx, periodStart, periodEnd)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].Tax.IsZero())

	lines, err := svc.ListLines(ctx, invoices[0].InvoiceID)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestGeneratePeriodRollsBackOnTotalMismatch(t *testing.T) {
	svc, db, _ := setupInvoiceService(t, 0)
	seedFact(t, db, 101, "cust_a", 10, "storage", "gb_month", "120", "0.10", "USD", 1)
	seedFact(t, db, 102, "cust_b", 10, "storage", "gb_month", "50", "0.10", "USD", 1)

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:inflate_line", func(tx *gorm.DB) {
		if tx.Statement.Table != "invoice_line_items" {
			return
		}
		rows := reflect.Indirect(tx.Statement.ReflectValue)
		if rows.Kind() != reflect.Slice || rows.Len() == 0 {
			return
		}
		if line, ok := rows.Index(0).Interface().(*invoicedomain.InvoiceLineItem); ok {
			line.Amount = line.Amount.Add(decimal.NewFromInt(1))
		}
	}))

	_, err := svc.GeneratePeriod(context.Background(), invoicedomain.GenerateRequest{PeriodStart: periodStart, PeriodEnd: periodEnd, BatchID: "close"})
	require.ErrorIs(t, err, invoicedomain.ErrTotalMismatch)

	var invoices, lines int64
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Count(&invoices).Error)
	require.NoError(t, db.Model(&invoicedomain.InvoiceLineItem{}).Count(&lines).Error)
	assert.Zero(t, invoices)
	assert.Zero(t, lines)
}

func TestFindMismatchesAndVoid(t *testing.T) {
	svc, db, _ := setupInvoiceService(t, 0)
	ctx := context.Background()
	seedFact(t, db, 101, "cust_a", 10, "storage", "gb_month", "120", "0.10", "USD", 1)

	result, err := svc.GeneratePeriod(ctx, invoicedomain.GenerateRequest{PeriodStart: periodStart, PeriodEnd: periodEnd, BatchID: "close"})
	require.NoError(t, err)
	id := result.InvoiceIDs[0]

	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Where("invoice_id = ?", id).Update("total", decimal.RequireFromString("12.5")).Error)
	mismatches, err := svc.FindMismatches(ctx, []snowflake.ID{id})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.True(t, mismatches[0].Diff().Equal(decimal.RequireFromString("0.5")))

	require.NoError(t, svc.VoidInvoice(ctx, id.String(), "duplicate"))
	invoice, err := svc.GetByID(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, invoice.Status)
	assert.Equal(t, "duplicate", invoice.VoidReason)

	assert.ErrorIs(t, svc.VoidInvoice(ctx, id.String(), ""), invoicedomain.ErrInvoiceNotIssued)
	assert.ErrorIs(t, svc.VoidInvoice(ctx, "nope", ""), invoicedomain.ErrInvalidInvoiceID)
	_, err = svc.GetByID(ctx, "42")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestGeneratePeriodValidates(t *testing.T) {
	svc, _, _ := setupInvoiceService(t, 0)

	_, err := svc.GeneratePeriod(context.Background(), invoicedomain.GenerateRequest{PeriodStart: periodEnd, PeriodEnd: periodStart, BatchID: "x"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)

	_, err = svc.GeneratePeriod(context.Background(), invoicedomain.GenerateRequest{PeriodStart: periodStart, PeriodEnd: periodEnd})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidBatchID)
}

func TestCheckTotal(t *testing.T) {
	eps := decimal.RequireFromString("0.01")
	assert.True(t, invoicedomain.CheckTotal(decimal.RequireFromString("10.00"), decimal.RequireFromString("10.01"), eps))
	assert.False(t, invoicedomain.CheckTotal(decimal.RequireFromString("10.00"), decimal.RequireFromString("10.02"), eps))
}
