package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Resolution is the outcome of an effective rate lookup.
type Resolution struct {
	Rate PricingRate
	// Overlap is set when several current rates matched and the most
	// recently created one was chosen.
	Overlap bool
}

type Service interface {
	UpsertRates(ctx context.Context, records []RateRecord) (UpsertResult, error)
	Resolver(ctx context.Context) (*Resolver, error)
	ResolveEffective(ctx context.Context, productID, unit, planID string, day time.Time) (Resolution, error)
	CheckOverlaps(ctx context.Context) ([]Overlap, error)
	FindBySKs(ctx context.Context, sks []snowflake.ID) (map[snowflake.ID]PricingRate, error)
}

var (
	ErrInvalidRateID        = errors.New("invalid_rate_id")
	ErrInvalidProduct       = errors.New("invalid_product_id")
	ErrInvalidUnit          = errors.New("invalid_unit")
	ErrInvalidUnitPrice     = errors.New("invalid_unit_price")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidEffectiveFrom = errors.New("invalid_effective_from")
	ErrInvalidWindow        = errors.New("invalid_effective_window")
	ErrRateOverlap          = errors.New("rate_overlap")
	ErrRateNotFound         = errors.New("rate_not_found")
)
