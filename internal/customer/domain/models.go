package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CustomerDim is one version of a customer. Exactly one row per
// customer_id carries IsCurrent.
type CustomerDim struct {
	CustomerSK      snowflake.ID `gorm:"primaryKey" json:"customer_sk"`
	CustomerID      string       `gorm:"type:varchar(64);not null;index:idx_customer_dim_current,priority:1" json:"customer_id"`
	CustomerName    string       `gorm:"type:varchar(255)" json:"customer_name"`
	PlanID          string       `gorm:"type:varchar(64)" json:"plan_id"`
	Status          string       `gorm:"type:varchar(32)" json:"status"`
	Country         string       `gorm:"type:varchar(8)" json:"country"`
	IsCurrent       bool         `gorm:"not null;index:idx_customer_dim_current,priority:2" json:"is_current"`
	EffectiveStart  time.Time    `gorm:"not null" json:"effective_start"`
	EffectiveEnd    *time.Time   `json:"effective_end,omitempty"`
	SourceUpdatedAt *time.Time   `json:"source_updated_at,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (CustomerDim) TableName() string { return "customer_dim" }

// CustomerRecord is a source-system customer snapshot.
type CustomerRecord struct {
	CustomerID   string     `json:"customer_id"`
	CustomerName string     `json:"customer_name"`
	PlanID       string     `json:"plan_id"`
	Status       string     `json:"status"`
	Country      string     `json:"country"`
	UpdatedAt    *time.Time `json:"updated_at"`
}

// SameAttributes reports whether the tracked attributes of d match rec.
func (d CustomerDim) SameAttributes(rec CustomerRecord) bool {
	return d.CustomerName == rec.CustomerName &&
		d.PlanID == rec.PlanID &&
		d.Status == rec.Status &&
		d.Country == rec.Country
}
