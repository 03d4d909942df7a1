package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/pricing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListCurrent(ctx context.Context, db *gorm.DB) ([]domain.PricingRate, error) {
	var rows []domain.PricingRate
	err := db.WithContext(ctx).
		Where("is_current = ?", true).
		Order("product_id ASC, unit ASC, effective_from ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) FindByRateIDs(ctx context.Context, db *gorm.DB, rateIDs []string) ([]domain.PricingRate, error) {
	if len(rateIDs) == 0 {
		return nil, nil
	}
	var rows []domain.PricingRate
	err := db.WithContext(ctx).Where("rate_id IN ?", rateIDs).Find(&rows).Error
	return rows, err
}

func (r *repo) FindBySKs(ctx context.Context, db *gorm.DB, sks []snowflake.ID) ([]domain.PricingRate, error) {
	if len(sks) == 0 {
		return nil, nil
	}
	var rows []domain.PricingRate
	err := db.WithContext(ctx).Where("rate_sk IN ?", sks).Find(&rows).Error
	return rows, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rate *domain.PricingRate) error {
	return db.WithContext(ctx).Create(rate).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, rate *domain.PricingRate) error {
	return db.WithContext(ctx).Save(rate).Error
}
