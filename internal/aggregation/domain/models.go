// Package domain contains the daily usage rollup models.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyAggregate is the usage total of one customer, product and unit on
// one event date.
type DailyAggregate struct {
	EventDate          time.Time       `gorm:"primaryKey;type:date"`
	CustomerID         string          `gorm:"primaryKey;type:varchar(64)"`
	ProductID          string          `gorm:"primaryKey;type:varchar(64)"`
	Unit               string          `gorm:"primaryKey;type:varchar(32)"`
	TotalQuantity      decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	EventCount         int64           `gorm:"not null"`
	LastEventTimestamp time.Time       `gorm:"not null"`
	BatchID            string          `gorm:"type:varchar(128);not null"`
	LoadTimestamp      time.Time       `gorm:"not null"`
}

func (DailyAggregate) TableName() string { return "usage_daily_aggregates" }
