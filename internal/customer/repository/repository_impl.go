package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, dim *domain.CustomerDim) error {
	return db.WithContext(ctx).Create(dim).Error
}

func (r *repo) CloseCurrent(ctx context.Context, db *gorm.DB, sk snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.CustomerDim{}).
		Where("customer_sk = ? AND is_current = ?", sk, true).
		Updates(map[string]any{
			"is_current":    false,
			"effective_end": at,
		}).Error
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, customerIDs []string) ([]domain.CustomerDim, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}
	var rows []domain.CustomerDim
	err := db.WithContext(ctx).
		Where("customer_id IN ? AND is_current = ?", customerIDs, true).
		Order("customer_id ASC, effective_start DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) FindBySK(ctx context.Context, db *gorm.DB, sk snowflake.ID) (*domain.CustomerDim, error) {
	var dim domain.CustomerDim
	err := db.WithContext(ctx).Where("customer_sk = ?", sk).First(&dim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dim, nil
}

func (r *repo) FindBySKs(ctx context.Context, db *gorm.DB, sks []snowflake.ID) ([]domain.CustomerDim, error) {
	if len(sks) == 0 {
		return nil, nil
	}
	var rows []domain.CustomerDim
	err := db.WithContext(ctx).Where("customer_sk IN ?", sks).Find(&rows).Error
	return rows, err
}

func (r *repo) ListCustomersWithMultipleCurrent(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.CustomerDim{}).
		Select("customer_id").
		Where("is_current = ?", true).
		Group("customer_id").
		Having("COUNT(*) > 1").
		Order("customer_id").
		Pluck("customer_id", &ids).Error
	return ids, err
}
