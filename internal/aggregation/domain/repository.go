package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	ReplacePartition(ctx context.Context, db *gorm.DB, eventDate time.Time, rows []DailyAggregate) error
	ListByDate(ctx context.Context, db *gorm.DB, eventDate time.Time) ([]DailyAggregate, error)
}
