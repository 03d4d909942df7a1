package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, dim *CustomerDim) error
	CloseCurrent(ctx context.Context, db *gorm.DB, sk snowflake.ID, at time.Time) error
	FindCurrent(ctx context.Context, db *gorm.DB, customerIDs []string) ([]CustomerDim, error)
	FindBySK(ctx context.Context, db *gorm.DB, sk snowflake.ID) (*CustomerDim, error)
	FindBySKs(ctx context.Context, db *gorm.DB, sks []snowflake.ID) ([]CustomerDim, error)
	ListCustomersWithMultipleCurrent(ctx context.Context, db *gorm.DB) ([]string, error)
}
