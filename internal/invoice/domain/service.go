package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type GenerateRequest struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	BatchID     string
}

type GenerateResult struct {
	Customers        int64
	Created          int64
	Existing         int64
	SkippedZero      int64
	CurrencyMismatch int64
	Lines            int64
	InvoiceIDs       []snowflake.ID
}

func (r GenerateResult) Detail() map[string]any {
	return map[string]any{
		"customers":         r.Customers,
		"created":           r.Created,
		"existing":          r.Existing,
		"skipped_zero":      r.SkippedZero,
		"currency_mismatch": r.CurrencyMismatch,
		"lines":             r.Lines,
	}
}

type Service interface {
	// GeneratePeriod closes [PeriodStart, PeriodEnd]: one issued invoice per
	// customer with positive cost in the period and no invoice yet.
	GeneratePeriod(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	ListByPeriod(ctx context.Context, start, end time.Time) ([]Invoice, error)
	ListLines(ctx context.Context, invoiceID snowflake.ID) ([]InvoiceLineItem, error)
	VoidInvoice(ctx context.Context, invoiceID string, reason string) error
	// FindMismatches checks header totals against line sums. An empty id
	// list checks every invoice.
	FindMismatches(ctx context.Context, invoiceIDs []snowflake.ID) ([]TotalMismatch, error)
}

var (
	ErrInvalidPeriod    = errors.New("invalid_billing_period")
	ErrInvalidBatchID   = errors.New("invalid_batch_id")
	ErrInvalidInvoiceID = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrInvoiceNotIssued = errors.New("invoice_not_issued")
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrTotalMismatch    = errors.New("invoice_total_mismatch")
)
