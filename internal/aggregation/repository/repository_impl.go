package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ReplacePartition(ctx context.Context, db *gorm.DB, eventDate time.Time, rows []domain.DailyAggregate) error {
	if err := db.WithContext(ctx).
		Where("event_date = ?", eventDate).
		Delete(&domain.DailyAggregate{}).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error
}

func (r *repo) ListByDate(ctx context.Context, db *gorm.DB, eventDate time.Time) ([]domain.DailyAggregate, error) {
	var rows []domain.DailyAggregate
	err := db.WithContext(ctx).
		Where("event_date = ?", eventDate).
		Order("customer_id ASC, product_id ASC, unit ASC").
		Find(&rows).Error
	return rows, err
}
