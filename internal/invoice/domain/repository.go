package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	NextSequence(ctx context.Context, db *gorm.DB) (int64, error)
	FindByCustomersAndPeriod(ctx context.Context, db *gorm.DB, customerSKs []snowflake.ID, start, end time.Time) ([]Invoice, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListIssued(ctx context.Context, db *gorm.DB, issuedSince *time.Time) ([]Invoice, error)
	SumLines(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID]decimal.Decimal, error)
	AdjustedEventIDs(ctx context.Context, db *gorm.DB, eventIDs []string) (map[string]time.Time, error)
	InsertLines(ctx context.Context, db *gorm.DB, lines []InvoiceLineItem) error
	IncrementTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, subtotal, tax decimal.Decimal, at time.Time) error
	Void(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
}
