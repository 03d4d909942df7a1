package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/audit/repository"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type usageStub struct {
	usagedomain.Service
	dups int64
}

func (u *usageStub) CountDuplicateEventIDs(context.Context) (int64, error) { return u.dups, nil }

type invoiceStub struct {
	invoicedomain.Service
	mismatches []invoicedomain.TotalMismatch
	asked      []snowflake.ID
}

func (i *invoiceStub) FindMismatches(_ context.Context, ids []snowflake.ID) ([]invoicedomain.TotalMismatch, error) {
	i.asked = ids
	return i.mismatches, nil
}

type pricingStub struct {
	pricingdomain.Service
	overlaps []pricingdomain.Overlap
}

func (p *pricingStub) CheckOverlaps(context.Context) ([]pricingdomain.Overlap, error) {
	return p.overlaps, nil
}

type customerStub struct {
	customerdomain.Service
	multi []string
}

func (c *customerStub) CustomersWithMultipleCurrent(context.Context) ([]string, error) {
	return c.multi, nil
}

type stubs struct {
	usage    *usageStub
	invoices *invoiceStub
	pricing  *pricingStub
	customer *customerStub
}

func setupAudit(t *testing.T, billing config.BillingConfig) (auditdomain.Service, stubs, *clock.FakeClock) {
	t.Helper()

	db := dbtest.Open(t, &auditdomain.PipelineRunAudit{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC))
	st := stubs{usage: &usageStub{}, invoices: &invoiceStub{}, pricing: &pricingStub{}, customer: &customerStub{}}

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Billing:  config.NewStaticBillingConfig(billing),
		Repo:     repository.Provide(),
		Usage:    st.usage,
		Invoices: st.invoices,
		Pricing:  st.pricing,
		Customer: st.customer,
	})
	return svc, st, clk
}

func TestRecordAndFindSuccess(t *testing.T) {
	svc, _, clk := setupAudit(t, config.DefaultBillingConfig())
	ctx := context.Background()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Record(ctx, auditdomain.RecordRequest{
		RunID: "run_1", DagID: "daily", StageID: "merge", ExecutionDate: day,
		Status: auditdomain.RunStatusFailed, Reason: "transient",
	}))
	found, err := svc.FindSuccess(ctx, "run_1", "merge", day)
	require.NoError(t, err)
	assert.Nil(t, found)

	clk.Advance(time.Minute)
	require.NoError(t, svc.Record(ctx, auditdomain.RecordRequest{
		RunID: "run_1", DagID: "daily", StageID: "merge", ExecutionDate: day.Add(3 * time.Hour),
		Status: auditdomain.RunStatusSuccess, Detail: map[string]any{"inserted": 3, "": "dropped"},
	}))
	found, err = svc.FindSuccess(ctx, "run_1", "merge", day)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "daily", found.DagID)
	assert.EqualValues(t, 3, found.Detail["inserted"])
	assert.NotContains(t, found.Detail, "")

	entries, err := svc.List(ctx, auditdomain.ListFilter{RunID: "run_1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, auditdomain.RunStatusSuccess, entries[0].Status)

	failed, err := svc.List(ctx, auditdomain.ListFilter{Status: auditdomain.RunStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	assert.ErrorIs(t, svc.Record(ctx, auditdomain.RecordRequest{StageID: "merge", Status: auditdomain.RunStatusSuccess}), auditdomain.ErrInvalidRunID)
	assert.ErrorIs(t, svc.Record(ctx, auditdomain.RecordRequest{RunID: "r", StageID: "merge", Status: "DONE"}), auditdomain.ErrInvalidStatus)
}

func TestRunChecksPass(t *testing.T) {
	svc, st, _ := setupAudit(t, config.DefaultBillingConfig())

	ids := []snowflake.ID{7, 8}
	results, err := svc.RunChecks(context.Background(), auditdomain.Scope{Events: true, Invoices: true, Rates: true, Customers: true, InvoiceIDs: ids})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Passed, r.Check)
	}
	assert.Equal(t, ids, st.invoices.asked)
}

func TestRunChecksReportsViolations(t *testing.T) {
	svc, st, _ := setupAudit(t, config.DefaultBillingConfig())
	st.usage.dups = 2
	st.invoices.mismatches = []invoicedomain.TotalMismatch{{InvoiceID: 9, Total: decimal.NewFromInt(10), LineSum: decimal.NewFromInt(9)}}

	results, err := svc.RunChecks(context.Background(), auditdomain.Scope{Events: true, Invoices: true})
	require.Error(t, err)
	require.Len(t, results, 2)

	violation, ok := auditdomain.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, auditdomain.ReasonDuplicateEventID, violation.Reason)
	assert.Equal(t, auditdomain.ReasonTotalMismatch, results[1].Reason)
	assert.Equal(t, []string{"9"}, results[1].Detail["invoice_ids"])
}

func TestRateOverlapIsFatalOnlyWhenStrict(t *testing.T) {
	lenient, st, _ := setupAudit(t, config.DefaultBillingConfig())
	st.pricing.overlaps = []pricingdomain.Overlap{{A: "r1", B: "r2"}}

	results, err := lenient.RunChecks(context.Background(), auditdomain.Scope{Rates: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.False(t, results[0].Fatal)

	strictCfg := config.DefaultBillingConfig()
	strictCfg.StrictRateOverlap = true
	strict, st2, _ := setupAudit(t, strictCfg)
	st2.pricing.overlaps = st.pricing.overlaps
	_, err = strict.RunChecks(context.Background(), auditdomain.Scope{Rates: true})
	violation, ok := auditdomain.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, auditdomain.ReasonRateOverlap, violation.Reason)
}

func TestCheckCurrentCustomers(t *testing.T) {
	svc, st, _ := setupAudit(t, config.DefaultBillingConfig())
	st.customer.multi = []string{"cust_1"}

	result, err := svc.CheckCurrentCustomers(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, auditdomain.ReasonMultipleCurrent, result.Reason)
	assert.Error(t, result.Err())
}
