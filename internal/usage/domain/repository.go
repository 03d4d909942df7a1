package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByIDsForUpdate(ctx context.Context, db *gorm.DB, eventIDs []string) (map[string]UsageEvent, error)
	Insert(ctx context.Context, db *gorm.DB, events []UsageEvent) (int64, error)
	Overwrite(ctx context.Context, db *gorm.DB, event UsageEvent) error
	ListByDate(ctx context.Context, db *gorm.DB, eventDate time.Time) ([]UsageEvent, error)
	ListForCustomerInPeriod(ctx context.Context, db *gorm.DB, customerID string, start, end time.Time) ([]UsageEvent, error)
	CountDuplicateEventIDs(ctx context.Context, db *gorm.DB) (int64, error)
}
