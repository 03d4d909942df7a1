package repository

import (
	"context"

	"github.com/smallbiznis/meterflow/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a typed view over one warehouse table. Reads and writes go
// through the handle it was built with, so WithTrx scopes every call to a
// transaction.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns nil without error when nothing matches.
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
	BatchCreate(ctx context.Context, rows []*T) error
	// Replace deletes the rows matched by where and inserts rows in their
	// place. Callers run it inside a transaction to recompute a partition.
	Replace(ctx context.Context, where option.QueryOption, rows []*T) (int64, error)
}
