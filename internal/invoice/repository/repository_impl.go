package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) NextSequence(ctx context.Context, db *gorm.DB) (int64, error) {
	var next int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(invoice_seq), 0) + 1
		 FROM invoices`,
	).Scan(&next).Error
	return next, err
}

func (r *repo) FindByCustomersAndPeriod(ctx context.Context, db *gorm.DB, customerSKs []snowflake.ID, start, end time.Time) ([]invoicedomain.Invoice, error) {
	if len(customerSKs) == 0 {
		return nil, nil
	}
	var rows []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("customer_sk IN ? AND billing_period_start = ? AND billing_period_end = ?", customerSKs, start, end).
		Find(&rows).Error
	return rows, err
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("invoice_id = ?", id).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) ListIssued(ctx context.Context, db *gorm.DB, issuedSince *time.Time) ([]invoicedomain.Invoice, error) {
	stmt := db.WithContext(ctx).Where("status = ?", invoicedomain.InvoiceStatusIssued)
	if issuedSince != nil {
		stmt = stmt.Where("issued_timestamp >= ?", *issuedSince)
	}
	var rows []invoicedomain.Invoice
	err := stmt.Order("billing_period_start ASC, invoice_seq ASC").Find(&rows).Error
	return rows, err
}

func (r *repo) SumLines(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID]decimal.Decimal, error) {
	stmt := db.WithContext(ctx).
		Model(&invoicedomain.InvoiceLineItem{}).
		Select("invoice_id, SUM(amount) AS total").
		Group("invoice_id")
	if len(invoiceIDs) > 0 {
		stmt = stmt.Where("invoice_id IN ?", invoiceIDs)
	}

	var sums []invoicedomain.LineSum
	if err := stmt.Scan(&sums).Error; err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]decimal.Decimal, len(sums))
	for _, sum := range sums {
		out[sum.InvoiceID] = sum.Total
	}
	return out, nil
}

// AdjustedEventIDs maps each already adjusted event id to the time its
// adjustment line was posted.
func (r *repo) AdjustedEventIDs(ctx context.Context, db *gorm.DB, eventIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	var rows []invoicedomain.InvoiceLineItem
	err := db.WithContext(ctx).
		Select("source_event_id", "created_at").
		Where("source_event_id IN ?", eventIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.SourceEventID != nil {
			out[*row.SourceEventID] = row.CreatedAt
		}
	}
	return out, nil
}

func (r *repo) InsertLines(ctx context.Context, db *gorm.DB, lines []invoicedomain.InvoiceLineItem) error {
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&lines, 500).Error
}

func (r *repo) IncrementTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, subtotal, tax decimal.Decimal, at time.Time) error {
	delta := subtotal.Add(tax)
	return db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("invoice_id = ? AND status = ?", id, invoicedomain.InvoiceStatusIssued).
		Updates(map[string]any{
			"subtotal":   gorm.Expr("subtotal + ?", subtotal),
			"tax":        gorm.Expr("tax + ?", tax),
			"total":      gorm.Expr("total + ?", delta),
			"updated_at": at,
		}).Error
}

func (r *repo) Void(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("invoice_id = ?", id).
		Updates(map[string]any{
			"status":      invoicedomain.InvoiceStatusVoid,
			"void_reason": reason,
			"updated_at":  at,
		}).Error
}
