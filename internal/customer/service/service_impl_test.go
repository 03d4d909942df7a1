package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/customer/domain"
	"github.com/smallbiznis/meterflow/internal/customer/repository"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCustomerService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := dbtest.Open(t, &domain.CustomerDim{})
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

func TestUpsertCustomersVersionsChangedAttributes(t *testing.T) {
	svc, db, clk := setupCustomerService(t)
	ctx := context.Background()

	result, err := svc.UpsertCustomers(ctx, []domain.CustomerRecord{
		{CustomerID: "cust_1", CustomerName: "Acme", PlanID: "plan_starter", Status: "active", Country: "us"},
		{CustomerID: "cust_2", CustomerName: "Globex", PlanID: "plan_pro", Status: "active", Country: "DE"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)

	clk.Advance(24 * time.Hour)
	result, err = svc.UpsertCustomers(ctx, []domain.CustomerRecord{
		{CustomerID: "cust_1", CustomerName: "Acme", PlanID: "plan_pro", Status: "active", Country: "US"},
		{CustomerID: "cust_2", CustomerName: "Globex", PlanID: "plan_pro", Status: "ACTIVE", Country: "de"},
		{CustomerID: "  "},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Versioned)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, 1, result.Skipped)

	var versions []domain.CustomerDim
	require.NoError(t, db.Where("customer_id = ?", "cust_1").Order("effective_start").Find(&versions).Error)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsCurrent)
	require.NotNil(t, versions[0].EffectiveEnd)
	assert.True(t, versions[0].EffectiveEnd.Equal(clk.Now()))
	assert.True(t, versions[1].IsCurrent)
	assert.Equal(t, "plan_pro", versions[1].PlanID)

	current, err := svc.FindCurrent(ctx, []string{"cust_1", "cust_2", "cust_missing"})
	require.NoError(t, err)
	assert.Len(t, current, 2)
	assert.Equal(t, versions[1].CustomerSK, current["cust_1"].CustomerSK)

	byOldSK, err := svc.FindBySK(ctx, versions[0].CustomerSK)
	require.NoError(t, err)
	require.NotNil(t, byOldSK)
	assert.Equal(t, "plan_starter", byOldSK.PlanID)

	multi, err := svc.CustomersWithMultipleCurrent(ctx)
	require.NoError(t, err)
	assert.Empty(t, multi)
}

func TestUpsertCustomersRejectsCorruptDimension(t *testing.T) {
	svc, db, _ := setupCustomerService(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&domain.CustomerDim{CustomerSK: 1, CustomerID: "cust_1", IsCurrent: true, EffectiveStart: now, CreatedAt: now}).Error)
	require.NoError(t, db.Create(&domain.CustomerDim{CustomerSK: 2, CustomerID: "cust_1", IsCurrent: true, EffectiveStart: now, CreatedAt: now}).Error)

	_, err := svc.UpsertCustomers(context.Background(), []domain.CustomerRecord{{CustomerID: "cust_1", CustomerName: "x"}})
	assert.ErrorIs(t, err, domain.ErrMultipleCurrent)

	multi, err := svc.CustomersWithMultipleCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cust_1"}, multi)
}

func TestLoadCustomersJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"customer_id":"cust_00001","customer_name":"Customer 1","plan_id":"plan_pro","status":"active","country":"US","updated_at":"2024-01-01T00:00:00Z"}`,
		`garbage`,
		`{"customer_id":"cust_00002","customer_name":"Customer 2","plan_id":"plan_free","status":"churned","country":"GB","updated_at":"2024-01-01T00:00:00Z"}`,
	}, "\n")

	records, malformed, err := LoadCustomersJSONL(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, malformed)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].UpdatedAt)
	assert.Equal(t, "plan_free", records[1].PlanID)
}
