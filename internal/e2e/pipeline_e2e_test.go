package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/audit"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/customer"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	"github.com/smallbiznis/meterflow/internal/invoice"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"github.com/smallbiznis/meterflow/internal/lock"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/pipeline"
	"github.com/smallbiznis/meterflow/internal/pricing"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/internal/rating"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	rawDir    string
	runner    *pipeline.Runner
	customers customerdomain.Service
	rates     pricingdomain.Service
	invoices  invoicedomain.Service
	audit     auditdomain.Service
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()

	conn := dbtest.Open(t)
	require.NoError(t, migration.Run(context.Background(), conn, nil))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	env := &testEnv{
		db:     conn,
		clock:  clock.NewFakeClock(time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)),
		rawDir: t.TempDir(),
	}
	cfg := config.Config{
		AppName:     "meterflow",
		Environment: "test",
		DBType:      "sqlite",
		Raw:         config.RawSourceConfig{Kind: config.RawSourceFile, Dir: env.rawDir},
	}

	app := fxtest.New(t,
		fx.Supply(cfg, conn, node, zap.NewNop()),
		fx.Supply(config.NewStaticBillingConfig(config.DefaultBillingConfig())),
		fx.Provide(func() clock.Clock { return env.clock }),
		lock.Module,
		usage.Module,
		customer.Module,
		pricing.Module,
		aggregation.Module,
		rating.Module,
		invoice.Module,
		reconciliation.Module,
		audit.Module,
		pipeline.Module,
		fx.Populate(&env.runner, &env.customers, &env.rates, &env.invoices, &env.audit),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return env
}

func (e *testEnv) stage(t *testing.T, date, name string, lines ...string) {
	t.Helper()
	dir := filepath.Join(e.rawDir, "dt="+date)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := e.customers.UpsertCustomers(ctx, []customerdomain.CustomerRecord{
		{CustomerID: "cust_a", CustomerName: "Acme", PlanID: "pro", Status: "active", Country: "US"},
	})
	require.NoError(t, err)

	_, err = e.rates.UpsertRates(ctx, []pricingdomain.RateRecord{{
		RateID:        "rate_api_calls",
		ProductID:     "api",
		Unit:          "calls",
		UnitPrice:     decimal.RequireFromString("0.01"),
		Currency:      "USD",
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestE2E_DailyCloseAndReconcile(t *testing.T) {
	env := startEnv(t)
	env.seed(t)
	ctx := context.Background()

	env.stage(t, "2024-01-15", "batch-001.jsonl",
		`{"event_id":"e1","event_timestamp":"2024-01-15T10:00:00Z","customer_id":"cust_a","product_id":"api","unit":"calls","quantity":"100"}`,
		`{"event_id":"e2","event_timestamp":"2024-01-15T11:00:00Z","customer_id":"cust_a","product_id":"api","unit":"calls","quantity":"50"}`,
		`{"event_id":"e1","event_timestamp":"2024-01-15T10:00:00Z","customer_id":"cust_a","product_id":"api","unit":"calls","quantity":"100"}`,
		`{"event_id":"e9","event_timestamp":"2024-01-15T12:00:00Z","customer_id":"cust_unknown","product_id":"api","unit":"calls","quantity":"5"}`,
		`not json`,
	)

	report, err := env.runner.RunDaily(ctx, "daily_2024-01-15", day(2024, 1, 15))
	require.NoError(t, err)
	require.Len(t, report.Stages, 4)
	for _, s := range report.Stages {
		assert.Equal(t, auditdomain.RunStatusSuccess, s.Outcome.Status, s.Stage)
	}

	var events int64
	require.NoError(t, env.db.Table("usage_events").Count(&events).Error)
	assert.Equal(t, int64(3), events)

	var facts int64
	require.NoError(t, env.db.Table("daily_cost_facts").Count(&facts).Error)
	assert.Equal(t, int64(1), facts)

	env.clock.Set(time.Date(2024, 2, 1, 4, 0, 0, 0, time.UTC))
	closed, err := env.runner.ClosePeriod(ctx, "close_period_2024-01", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, closed.Stages, 2)
	require.Len(t, closed.Stages[0].Outcome.InvoiceIDs, 1)

	invoices, err := env.invoices.ListByPeriod(ctx, day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "cust_a", invoices[0].CustomerID)
	assert.True(t, invoices[0].Total.Equal(decimal.RequireFromString("1.5")), invoices[0].Total.String())

	// A late event for January arrives in the February 1 batch.
	env.clock.Set(time.Date(2024, 2, 2, 2, 0, 0, 0, time.UTC))
	env.stage(t, "2024-02-01", "batch-001.jsonl",
		`{"event_id":"e3","event_timestamp":"2024-01-20T09:30:00Z","customer_id":"cust_a","product_id":"api","unit":"calls","quantity":"30"}`,
	)
	late, err := env.runner.RunDaily(ctx, "daily_2024-02-01", day(2024, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2024, 1, 20)}, late.Stages[0].Outcome.TouchedDates)

	env.clock.Set(time.Date(2024, 2, 2, 6, 0, 0, 0, time.UTC))
	reconciled, err := env.runner.Reconcile(ctx, "reconcile_2024-02-02")
	require.NoError(t, err)
	require.Len(t, reconciled.Stages, 2)
	assert.Equal(t, closed.Stages[0].Outcome.InvoiceIDs, reconciled.Stages[0].Outcome.InvoiceIDs)

	invoices, err = env.invoices.ListByPeriod(ctx, day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].Total.Equal(decimal.RequireFromString("1.8")), invoices[0].Total.String())

	var summary struct {
		LineCount       int64
		AdjustmentTotal decimal.Decimal
	}
	require.NoError(t, env.db.Raw(
		"SELECT line_count, adjustment_total FROM v_invoice_summary WHERE invoice_id = ?", invoices[0].InvoiceID,
	).Scan(&summary).Error)
	assert.True(t, summary.AdjustmentTotal.Equal(decimal.RequireFromString("0.3")), summary.AdjustmentTotal.String())

	results, err := env.audit.RunChecks(ctx, auditdomain.Scope{Events: true, Invoices: true, Rates: true, Customers: true})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Passed, r.Check)
	}
}

func TestE2E_ReplayIsNoOp(t *testing.T) {
	env := startEnv(t)
	env.seed(t)
	ctx := context.Background()

	env.stage(t, "2024-01-15", "batch-001.jsonl",
		`{"event_id":"e1","event_timestamp":"2024-01-15T10:00:00Z","customer_id":"cust_a","product_id":"api","unit":"calls","quantity":"100"}`,
	)

	_, err := env.runner.RunDaily(ctx, "daily_2024-01-15", day(2024, 1, 15))
	require.NoError(t, err)

	var before int64
	require.NoError(t, env.db.Table("pipeline_run_audit").Count(&before).Error)

	again, err := env.runner.RunDaily(ctx, "daily_2024-01-15", day(2024, 1, 15))
	require.NoError(t, err)
	for _, s := range again.Stages {
		assert.True(t, s.Outcome.Replayed, s.Stage)
	}

	var after int64
	require.NoError(t, env.db.Table("pipeline_run_audit").Count(&after).Error)
	assert.Equal(t, before, after)

	// A fresh run id re-executes and converges on the same facts.
	_, err = env.runner.RunDaily(ctx, pipeline.NewRunID(), day(2024, 1, 15))
	require.NoError(t, err)
	var facts int64
	require.NoError(t, env.db.Table("daily_cost_facts").Count(&facts).Error)
	assert.Equal(t, int64(1), facts)
}
