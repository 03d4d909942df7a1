// Package domain contains persistence models for rating outputs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DailyCostFact is one rated daily aggregate: the usage of a customer
// version on one date priced with the rate effective on that date.
type DailyCostFact struct {
	DateID           time.Time       `gorm:"primaryKey;type:date"`
	CustomerSK       snowflake.ID    `gorm:"primaryKey"`
	ProductID        string          `gorm:"primaryKey;type:varchar(64)"`
	Unit             string          `gorm:"primaryKey;type:varchar(32)"`
	CustomerID       string          `gorm:"type:varchar(64);not null;index"`
	TotalQuantity    decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	BillableQuantity decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	UnitPrice        decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	CostAmount       decimal.Decimal `gorm:"type:numeric(24,10);not null"`
	Currency         string          `gorm:"type:varchar(3);not null"`
	RateSK           snowflake.ID    `gorm:"not null"`
	BatchID          string          `gorm:"type:varchar(128);not null"`
	LoadTimestamp    time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (DailyCostFact) TableName() string { return "daily_cost_facts" }
