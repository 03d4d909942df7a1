// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusIssued InvoiceStatus = "issued"
	InvoiceStatusVoid   InvoiceStatus = "void"
)

// LineType distinguishes period-close lines from later corrections.
type LineType string

const (
	LineTypeUsage      LineType = "usage"
	LineTypeAdjustment LineType = "adjustment"
	LineTypeTax        LineType = "tax"
)

// Invoice is the period-close bill of one customer version. Only the
// subtotal, tax and total change after issuance.
type Invoice struct {
	InvoiceID          snowflake.ID    `gorm:"primaryKey"`
	InvoiceNumber      string          `gorm:"type:varchar(64);not null;uniqueIndex"`
	InvoiceSeq         int64           `gorm:"not null;uniqueIndex"`
	CustomerSK         snowflake.ID    `gorm:"not null;uniqueIndex:ux_invoice_customer_period,priority:1"`
	CustomerID         string          `gorm:"type:varchar(64);not null;index"`
	BillingPeriodStart time.Time       `gorm:"type:date;not null;uniqueIndex:ux_invoice_customer_period,priority:2"`
	BillingPeriodEnd   time.Time       `gorm:"type:date;not null;uniqueIndex:ux_invoice_customer_period,priority:3"`
	IssuedTimestamp    time.Time       `gorm:"not null"`
	Status             InvoiceStatus   `gorm:"type:varchar(16);not null;index"`
	Subtotal           decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	Tax                decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	Total              decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	Currency           string          `gorm:"type:varchar(3);not null"`
	BatchID            string          `gorm:"type:varchar(128);not null"`
	VoidReason         string          `gorm:"type:text"`
	CreatedAt          time.Time       `gorm:"not null"`
	UpdatedAt          time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLineItem is one line of an invoice. Lines are only ever appended.
type InvoiceLineItem struct {
	LineItemID       snowflake.ID    `gorm:"primaryKey"`
	InvoiceID        snowflake.ID    `gorm:"not null;index"`
	LineType         LineType        `gorm:"type:varchar(16);not null"`
	Description      string          `gorm:"type:text"`
	ProductID        string          `gorm:"type:varchar(64)"`
	Unit             string          `gorm:"type:varchar(32)"`
	Quantity         decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	UnitPrice        decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	RateSK           *snowflake.ID   `gorm:""`
	UsageWindowStart *time.Time      `gorm:"type:date"`
	UsageWindowEnd   *time.Time      `gorm:"type:date"`
	CalcBatchID      string          `gorm:"type:varchar(128);not null"`
	// SourceEventID is the late event an adjustment line accounts for.
	SourceEventID *string   `gorm:"type:varchar(128);uniqueIndex"`
	CreatedAt     time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// LineSum is the aggregated line amount of one invoice.
type LineSum struct {
	InvoiceID snowflake.ID
	Total     decimal.Decimal
}

// TotalMismatch reports an invoice whose header disagrees with its lines.
type TotalMismatch struct {
	InvoiceID snowflake.ID
	Total     decimal.Decimal
	LineSum   decimal.Decimal
}

func (m TotalMismatch) Diff() decimal.Decimal {
	return m.Total.Sub(m.LineSum).Abs()
}

// CheckTotal compares an invoice header with the sum of its lines.
func CheckTotal(total, lineSum, epsilon decimal.Decimal) bool {
	return total.Sub(lineSum).Abs().LessThanOrEqual(epsilon)
}
