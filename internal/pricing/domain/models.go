package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PricingRate prices one (product_id, unit) over the half-open effectivity
// window [EffectiveFrom, EffectiveTo). A nil EffectiveTo is open-ended. An
// empty PlanID applies to every plan.
type PricingRate struct {
	RateSK        snowflake.ID    `gorm:"primaryKey" json:"rate_sk"`
	RateID        string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"rate_id"`
	ProductID     string          `gorm:"type:varchar(64);not null;index:idx_pricing_rate_lookup,priority:1" json:"product_id"`
	Unit          string          `gorm:"type:varchar(32);not null;index:idx_pricing_rate_lookup,priority:2" json:"unit"`
	PlanID        string          `gorm:"type:varchar(64)" json:"plan_id"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric(24,10);not null" json:"unit_price"`
	Currency      string          `gorm:"type:varchar(3);not null" json:"currency"`
	EffectiveFrom time.Time       `gorm:"type:date;not null" json:"effective_from"`
	EffectiveTo   *time.Time      `gorm:"type:date" json:"effective_to,omitempty"`
	IsCurrent     bool            `gorm:"not null" json:"is_current"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`
}

func (PricingRate) TableName() string { return "pricing_rates" }

// Contains reports whether day falls inside the effectivity window.
func (r PricingRate) Contains(day time.Time) bool {
	if day.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || day.Before(*r.EffectiveTo)
}

// Scope is the key under which current windows must not overlap.
type Scope struct {
	ProductID string
	Unit      string
	PlanID    string
}

func (r PricingRate) Scope() Scope {
	return Scope{ProductID: r.ProductID, Unit: r.Unit, PlanID: r.PlanID}
}

// Overlaps reports whether the windows of r and other intersect.
func (r PricingRate) Overlaps(other PricingRate) bool {
	aBeforeBEnds := other.EffectiveTo == nil || r.EffectiveFrom.Before(*other.EffectiveTo)
	bBeforeAEnds := r.EffectiveTo == nil || other.EffectiveFrom.Before(*r.EffectiveTo)
	return aBeforeBEnds && bBeforeAEnds
}

// RateRecord is one row of the pricing catalog.
type RateRecord struct {
	RateID        string
	ProductID     string
	PlanID        string
	Unit          string
	UnitPrice     decimal.Decimal
	Currency      string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// Overlap names two current rates whose windows intersect in one scope.
type Overlap struct {
	Scope Scope
	A     string
	B     string
}
