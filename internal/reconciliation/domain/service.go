// Package domain describes late-arrival reconciliation of issued invoices.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ReconcileResult struct {
	InvoicesScanned  int64
	InvoicesAdjusted int64
	LateEvents       int64
	Adjustments      int64
	AlreadyAdjusted  int64
	EditedAfterPost  int64
	MissingRate      int64
	CurrencyMismatch int64
	AmountPosted     decimal.Decimal
	// TouchedInvoiceIDs lists invoices that received new lines in this run.
	TouchedInvoiceIDs []snowflake.ID
}

func (r ReconcileResult) Detail() map[string]any {
	return map[string]any{
		"invoices_scanned":  r.InvoicesScanned,
		"invoices_adjusted": r.InvoicesAdjusted,
		"late_events":       r.LateEvents,
		"adjustments":       r.Adjustments,
		"already_adjusted":  r.AlreadyAdjusted,
		"edited_after_post": r.EditedAfterPost,
		"missing_rate":      r.MissingRate,
		"currency_mismatch": r.CurrencyMismatch,
		"amount_posted":     r.AmountPosted.String(),
	}
}

type Service interface {
	// Reconcile appends adjustment lines for late events to every issued
	// invoice in scope. The run is one transaction: any failure posts nothing.
	Reconcile(ctx context.Context, batchID string) (ReconcileResult, error)
}

var ErrInvalidBatchID = errors.New("invalid_batch_id")
