package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/aggregation/repository"
	"github.com/smallbiznis/meterflow/internal/clock"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	usagerepository "github.com/smallbiznis/meterflow/internal/usage/repository"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func setupAggregation(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	db := dbtest.Open(t, &usagedomain.UsageEvent{}, &domain.DailyAggregate{})
	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(day.Add(26 * time.Hour)),
		Repo:      repository.Provide(),
		UsageRepo: usagerepository.Provide(),
	})
	return svc, db
}

func seedEvent(t *testing.T, db *gorm.DB, id, customer, product, unit, quantity string, ts time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&usagedomain.UsageEvent{
		EventID:            id,
		EventTimestamp:     ts,
		EventDate:          time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		CustomerID:         customer,
		ProductID:          product,
		Unit:               unit,
		Quantity:           decimal.RequireFromString(quantity),
		LoadTimestamp:      ts,
		FirstLoadTimestamp: ts,
		BatchID:            "batch_seed",
		ContentHash:        id,
	}).Error)
}

func TestAggregateSumsPerGroup(t *testing.T) {
	svc, db := setupAggregation(t)
	ctx := context.Background()

	seedEvent(t, db, "e1", "cust_1", "api_calls", "calls", "100", day.Add(time.Hour))
	seedEvent(t, db, "e2", "cust_1", "api_calls", "calls", "20", day.Add(5*time.Hour))
	seedEvent(t, db, "e3", "cust_1", "storage", "gb_hours", "1.5", day.Add(2*time.Hour))
	seedEvent(t, db, "e4", "cust_2", "api_calls", "calls", "7", day.Add(3*time.Hour))
	seedEvent(t, db, "e5", "cust_2", "api_calls", "calls", "9", day.Add(30*time.Hour))

	result, err := svc.Aggregate(ctx, day.Add(12*time.Hour), "agg_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Events)
	assert.Equal(t, int64(3), result.Groups)

	rows, err := svc.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "cust_1", rows[0].CustomerID)
	assert.Equal(t, "api_calls", rows[0].ProductID)
	assert.True(t, rows[0].TotalQuantity.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, int64(2), rows[0].EventCount)
	assert.True(t, rows[0].LastEventTimestamp.Equal(day.Add(5*time.Hour)))
	assert.Equal(t, "agg_1", rows[0].BatchID)
}

func TestAggregateReplacesPartition(t *testing.T) {
	svc, db := setupAggregation(t)
	ctx := context.Background()

	seedEvent(t, db, "e1", "cust_1", "api_calls", "calls", "100", day.Add(time.Hour))
	_, err := svc.Aggregate(ctx, day, "agg_1")
	require.NoError(t, err)

	_, err = svc.Aggregate(ctx, day, "agg_1")
	require.NoError(t, err)
	rows, err := svc.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalQuantity.Equal(decimal.NewFromInt(100)))

	require.NoError(t, db.Where("event_id = ?", "e1").Delete(&usagedomain.UsageEvent{}).Error)
	result, err := svc.Aggregate(ctx, day, "agg_2")
	require.NoError(t, err)
	assert.Zero(t, result.Groups)

	rows, err = svc.ListByDate(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAggregateValidatesInput(t *testing.T) {
	svc, _ := setupAggregation(t)

	_, err := svc.Aggregate(context.Background(), day, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidBatchID)

	_, err = svc.Aggregate(context.Background(), time.Time{}, "agg")
	assert.ErrorIs(t, err, domain.ErrInvalidDate)
}
