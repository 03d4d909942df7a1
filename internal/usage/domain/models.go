// Package domain contains the canonical usage event store models.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageEvent is the single deduplicated, authoritative record for an event_id.
type UsageEvent struct {
	EventID            string          `gorm:"primaryKey;type:varchar(128)"`
	EventTimestamp     time.Time       `gorm:"not null"`
	EventDate          time.Time       `gorm:"type:date;not null;index:idx_usage_events_date_customer,priority:1"`
	CustomerID         string          `gorm:"type:varchar(64);not null;index:idx_usage_events_date_customer,priority:2"`
	ProductID          string          `gorm:"type:varchar(64);not null"`
	PlanID             string          `gorm:"type:varchar(64)"`
	Region             string          `gorm:"type:varchar(32)"`
	Unit               string          `gorm:"type:varchar(32);not null"`
	Quantity           decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	Source             string          `gorm:"type:varchar(32)"`
	SchemaVersion      string          `gorm:"type:varchar(16)"`
	LoadTimestamp      time.Time       `gorm:"not null;index"`
	FirstLoadTimestamp time.Time       `gorm:"not null"`
	BatchID            string          `gorm:"type:varchar(128);not null"`
	ContentHash        string          `gorm:"type:varchar(64);not null"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// RawUsageRecord is one line of a staged ingestion batch.
type RawUsageRecord struct {
	EventID        string           `json:"event_id"`
	EventTimestamp string           `json:"event_timestamp"`
	CustomerID     string           `json:"customer_id"`
	ProductID      string           `json:"product_id"`
	PlanID         string           `json:"plan_id"`
	Quantity       *decimal.Decimal `json:"quantity"`
	Unit           string           `json:"unit"`
	Region         string           `json:"region"`
	Source         string           `json:"source"`
	SchemaVersion  string           `json:"schema_version"`
}
