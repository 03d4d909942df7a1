package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/meterflow/pkg/db/option"
	"gorm.io/gorm"
)

const insertBatchSize = 200

var ErrMissingPartition = errors.New("missing_partition")

type table[T any] struct {
	conn *gorm.DB
}

func ProvideStore[T any](conn *gorm.DB) Repository[T] {
	return &table[T]{conn: conn}
}

func (t *table[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return t
	}
	return &table[T]{conn: tx}
}

func (t *table[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	if err := t.scoped(ctx, query, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *table[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var row T
	err := t.scoped(ctx, query, opts).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &row, nil
}

func (t *table[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var n int64
	err := t.scoped(ctx, query, opts).Model(new(T)).Count(&n).Error
	return n, err
}

func (t *table[T]) BatchCreate(ctx context.Context, rows []*T) error {
	if len(rows) == 0 {
		return nil
	}
	return t.conn.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error
}

func (t *table[T]) Replace(ctx context.Context, where option.QueryOption, rows []*T) (int64, error) {
	if where == nil {
		return 0, ErrMissingPartition
	}
	res := where.Apply(t.conn.WithContext(ctx)).Delete(new(T))
	if res.Error != nil {
		return 0, res.Error
	}
	if err := t.BatchCreate(ctx, rows); err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func (t *table[T]) scoped(ctx context.Context, query *T, opts []option.QueryOption) *gorm.DB {
	q := t.conn.WithContext(ctx)
	if query != nil {
		q = q.Where(query)
	}
	for _, opt := range opts {
		q = opt.Apply(q)
	}
	return q
}
