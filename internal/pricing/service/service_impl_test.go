package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/internal/pricing/repository"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const catalog = `rate_id,product_id,plan_id,unit,unit_price,currency,effective_from,effective_to
rate_api_free,api_calls,plan_free,calls,0.0000,USD,2024-01-01,
rate_api_pro,api_calls,plan_pro,calls,0.0008,usd,2024-01-01,
rate_storage,storage,,gb_hours,0.0002,USD,2024-01-01,2024-07-01
`

func setupPricingService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := dbtest.Open(t, &domain.PricingRate{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db, clk
}

func TestLoadRatesCSV(t *testing.T) {
	records, err := LoadRatesCSV(strings.NewReader(catalog))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "plan_pro", records[1].PlanID)
	assert.True(t, records[1].UnitPrice.Equal(decimal.RequireFromString("0.0008")))
	assert.Nil(t, records[0].EffectiveTo)
	require.NotNil(t, records[2].EffectiveTo)
	assert.Equal(t, time.July, records[2].EffectiveTo.Month())

	_, err = LoadRatesCSV(strings.NewReader("rate_id,product_id\nx,y\n"))
	assert.Error(t, err)

	_, err = LoadRatesCSV(strings.NewReader(strings.Replace(catalog, "0.0008", "abc", 1)))
	assert.ErrorIs(t, err, domain.ErrInvalidUnitPrice)
}

func TestUpsertRatesAndResolve(t *testing.T) {
	svc, _, clk := setupPricingService(t)
	ctx := context.Background()

	records, err := LoadRatesCSV(strings.NewReader(catalog))
	require.NoError(t, err)

	result, err := svc.UpsertRates(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)

	clk.Advance(time.Hour)
	result, err = svc.UpsertRates(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Unchanged)

	records[1].UnitPrice = decimal.RequireFromString("0.0009")
	result, err = svc.UpsertRates(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 2, result.Unchanged)

	res, err := svc.ResolveEffective(ctx, "api_calls", "calls", "plan_pro", time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "rate_api_pro", res.Rate.RateID)
	assert.Equal(t, "USD", res.Rate.Currency)
	assert.True(t, res.Rate.UnitPrice.Equal(decimal.RequireFromString("0.0009")))

	_, err = svc.ResolveEffective(ctx, "storage", "gb_hours", "plan_pro", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrRateNotFound)

	bySK, err := svc.FindBySKs(ctx, []snowflake.ID{res.Rate.RateSK})
	require.NoError(t, err)
	assert.Equal(t, "rate_api_pro", bySK[res.Rate.RateSK].RateID)

	overlaps, err := svc.CheckOverlaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, overlaps)
}

func TestUpsertRatesRejectsOverlap(t *testing.T) {
	svc, db, _ := setupPricingService(t)
	ctx := context.Background()

	_, err := svc.UpsertRates(ctx, []domain.RateRecord{
		{RateID: "r1", ProductID: "api", Unit: "calls", UnitPrice: decimal.RequireFromString("0.10"), Currency: "USD", EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{RateID: "r2", ProductID: "api", Unit: "calls", UnitPrice: decimal.RequireFromString("0.20"), Currency: "USD", EffectiveFrom: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	})
	assert.ErrorIs(t, err, domain.ErrRateOverlap)

	var count int64
	require.NoError(t, db.Model(&domain.PricingRate{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUpsertRatesValidates(t *testing.T) {
	svc, _, _ := setupPricingService(t)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.UpsertRates(context.Background(), []domain.RateRecord{
		{RateID: "r1", ProductID: "api", Unit: "calls", UnitPrice: decimal.RequireFromString("-1"), Currency: "USD", EffectiveFrom: from},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUnitPrice)

	_, err = svc.UpsertRates(context.Background(), []domain.RateRecord{
		{RateID: "r1", ProductID: "api", Unit: "calls", UnitPrice: decimal.Zero, Currency: "USD", EffectiveFrom: from, EffectiveTo: &from},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}
