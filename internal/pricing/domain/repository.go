package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListCurrent(ctx context.Context, db *gorm.DB) ([]PricingRate, error)
	FindByRateIDs(ctx context.Context, db *gorm.DB, rateIDs []string) ([]PricingRate, error)
	FindBySKs(ctx context.Context, db *gorm.DB, sks []snowflake.ID) ([]PricingRate, error)
	Insert(ctx context.Context, db *gorm.DB, rate *PricingRate) error
	Save(ctx context.Context, db *gorm.DB, rate *PricingRate) error
}
