package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	aggregationrepository "github.com/smallbiznis/meterflow/internal/aggregation/repository"
	"github.com/smallbiznis/meterflow/internal/clock"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	customerrepository "github.com/smallbiznis/meterflow/internal/customer/repository"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	pricingrepository "github.com/smallbiznis/meterflow/internal/pricing/repository"
	pricingservice "github.com/smallbiznis/meterflow/internal/pricing/service"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     ratingdomain.Service
	db      *gorm.DB
	node    *snowflake.Node
	pricing pricingdomain.Service
}

func setupRating(t *testing.T) fixture {
	t.Helper()

	db := dbtest.Open(t,
		&aggregationdomain.DailyAggregate{},
		&customerdomain.CustomerDim{},
		&pricingdomain.PricingRate{},
		&ratingdomain.DailyCostFact{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(day.Add(26 * time.Hour))

	pricing := pricingservice.New(pricingservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  pricingrepository.Provide(),
	})
	svc := NewService(ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        clk,
		AggRepo:      aggregationrepository.Provide(),
		CustomerRepo: customerrepository.Provide(),
		Pricing:      pricing,
	})
	return fixture{svc: svc, db: db, node: node, pricing: pricing}
}

func (f fixture) customer(t *testing.T, id, plan string) customerdomain.CustomerDim {
	t.Helper()
	dim := customerdomain.CustomerDim{
		CustomerSK:     f.node.Generate(),
		CustomerID:     id,
		PlanID:         plan,
		Status:         "active",
		IsCurrent:      true,
		EffectiveStart: day.AddDate(0, -1, 0),
		CreatedAt:      day.AddDate(0, -1, 0),
	}
	require.NoError(t, f.db.Create(&dim).Error)
	return dim
}

func (f fixture) aggregate(t *testing.T, customerID, product, unit, quantity string) {
	t.Helper()
	require.NoError(t, f.db.Create(&aggregationdomain.DailyAggregate{
		EventDate:          day,
		CustomerID:         customerID,
		ProductID:          product,
		Unit:               unit,
		TotalQuantity:      decimal.RequireFromString(quantity),
		EventCount:         1,
		LastEventTimestamp: day.Add(time.Hour),
		BatchID:            "agg",
		LoadTimestamp:      day.Add(25 * time.Hour),
	}).Error)
}

func rate(id, product, unit, plan, price string) pricingdomain.RateRecord {
	return pricingdomain.RateRecord{
		RateID:        id,
		ProductID:     product,
		PlanID:        plan,
		Unit:          unit,
		UnitPrice:     decimal.RequireFromString(price),
		Currency:      "USD",
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRateDateComputesCost(t *testing.T) {
	f := setupRating(t)
	ctx := context.Background()

	cust := f.customer(t, "cust_1", "plan_pro")
	f.aggregate(t, "cust_1", "storage", "gb_month", "120")
	_, err := f.pricing.UpsertRates(ctx, []pricingdomain.RateRecord{
		rate("rate_storage", "storage", "gb_month", "", "0.10"),
	})
	require.NoError(t, err)

	result, err := f.svc.RateDate(ctx, day, "rate_batch")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Facts)

	facts, err := f.svc.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, cust.CustomerSK, facts[0].CustomerSK)
	assert.True(t, facts[0].CostAmount.Equal(decimal.RequireFromString("12.00")), facts[0].CostAmount.String())
	assert.True(t, facts[0].BillableQuantity.Equal(facts[0].TotalQuantity))
	assert.Equal(t, "USD", facts[0].Currency)
}

func TestRateDateUsesCustomerPlan(t *testing.T) {
	f := setupRating(t)
	ctx := context.Background()

	f.customer(t, "cust_free", "plan_free")
	f.customer(t, "cust_pro", "plan_pro")
	f.customer(t, "cust_other", "plan_enterprise")
	f.aggregate(t, "cust_free", "api_calls", "calls", "1000")
	f.aggregate(t, "cust_pro", "api_calls", "calls", "1000")
	f.aggregate(t, "cust_other", "api_calls", "calls", "1000")
	_, err := f.pricing.UpsertRates(ctx, []pricingdomain.RateRecord{
		rate("rate_free", "api_calls", "calls", "plan_free", "0"),
		rate("rate_pro", "api_calls", "calls", "plan_pro", "0.0008"),
	})
	require.NoError(t, err)

	result, err := f.svc.RateDate(ctx, day, "rate_batch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Facts)
	assert.Equal(t, int64(1), result.MissingRate)

	facts, err := f.svc.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "cust_free", facts[0].CustomerID)
	assert.True(t, facts[0].CostAmount.IsZero())
	assert.True(t, facts[1].CostAmount.Equal(decimal.RequireFromString("0.8")))
}

func TestRateDateSkipsOrphansAndIsIdempotent(t *testing.T) {
	f := setupRating(t)
	ctx := context.Background()

	f.customer(t, "cust_1", "plan_pro")
	f.aggregate(t, "cust_1", "storage", "gb_month", "10")
	f.aggregate(t, "cust_ghost", "storage", "gb_month", "10")
	_, err := f.pricing.UpsertRates(ctx, []pricingdomain.RateRecord{
		rate("rate_storage", "storage", "gb_month", "", "0.5"),
	})
	require.NoError(t, err)

	first, err := f.svc.RateDate(ctx, day, "rate_batch")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Orphaned)
	assert.Equal(t, int64(1), first.Facts)
	before, err := f.svc.ListByDate(ctx, day)
	require.NoError(t, err)

	second, err := f.svc.RateDate(ctx, day, "rate_batch")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	after, err := f.svc.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	assert.True(t, before[0].CostAmount.Equal(after[0].CostAmount))
	assert.Equal(t, before[0].RateSK, after[0].RateSK)
}

func TestListInPeriodFiltersCustomers(t *testing.T) {
	f := setupRating(t)
	ctx := context.Background()

	a := f.customer(t, "cust_a", "")
	f.customer(t, "cust_b", "")
	f.aggregate(t, "cust_a", "storage", "gb_month", "1")
	f.aggregate(t, "cust_b", "storage", "gb_month", "1")
	_, err := f.pricing.UpsertRates(ctx, []pricingdomain.RateRecord{
		rate("rate_storage", "storage", "gb_month", "", "1"),
	})
	require.NoError(t, err)
	_, err = f.svc.RateDate(ctx, day, "rate_batch")
	require.NoError(t, err)

	all, err := f.svc.ListInPeriod(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := f.svc.ListInPeriod(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), a.CustomerSK)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "cust_a", one[0].CustomerID)

	_, err = f.svc.ListInPeriod(ctx, day, day.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ratingdomain.ErrInvalidPeriod)
}
