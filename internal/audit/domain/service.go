package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	RunID         string
	DagID         string
	StageID       string
	ExecutionDate time.Time
	Status        RunStatus
	Reason        string
	Detail        map[string]any
}

// Scope selects which checks RunChecks evaluates.
type Scope struct {
	Events    bool
	Invoices  bool
	Rates     bool
	Customers bool
	// InvoiceIDs narrows the invoice check to invoices touched by a run.
	// Empty checks every invoice.
	InvoiceIDs []snowflake.ID
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) error
	FindSuccess(ctx context.Context, runID, stageID string, executionDate time.Time) (*PipelineRunAudit, error)
	List(ctx context.Context, filter ListFilter) ([]PipelineRunAudit, error)

	CheckDuplicateEvents(ctx context.Context) (CheckResult, error)
	CheckInvoiceTotals(ctx context.Context, invoiceIDs []snowflake.ID) (CheckResult, error)
	CheckRateOverlaps(ctx context.Context) (CheckResult, error)
	CheckCurrentCustomers(ctx context.Context) (CheckResult, error)
	// RunChecks evaluates the checks in scope and returns the first fatal
	// failure as a *ViolationError alongside every result.
	RunChecks(ctx context.Context, scope Scope) ([]CheckResult, error)
}

var (
	ErrInvalidRunID  = errors.New("invalid_run_id")
	ErrInvalidStage  = errors.New("invalid_stage")
	ErrInvalidStatus = errors.New("invalid_status")
)
