// Package pipeline runs the batch stages (merge, aggregate, rate, invoice,
// reconcile, audit) with replay detection, partition locking and a run audit
// row per invocation.
package pipeline

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
)

type Stage string

const (
	StageMerge     Stage = "merge"
	StageAggregate Stage = "aggregate"
	StageRate      Stage = "rate"
	StageInvoice   Stage = "invoice"
	StageReconcile Stage = "reconcile"
	StageAudit     Stage = "audit"
)

// Dag ids recorded on audit rows.
const (
	DagDaily     = "daily"
	DagClose     = "close_period"
	DagReconcile = "reconcile"
	DagBackfill  = "backfill"
	DagAdhoc     = "adhoc"
)

// Request names one stage invocation. Date is the partition for merge,
// aggregate, rate, reconcile and audit; invoice closes [PeriodStart, PeriodEnd].
type Request struct {
	Stage       Stage
	RunID       string
	DagID       string
	Date        time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Checks is read by StageAudit only.
	Checks auditdomain.Scope
}

type Outcome struct {
	Status auditdomain.RunStatus
	Reason string
	Detail map[string]any
	// Replayed is set when a SUCCESS row already existed for the invocation.
	Replayed     bool
	TouchedDates []time.Time
	InvoiceIDs   []snowflake.ID
}

// StageOutcome is one entry of a Report.
type StageOutcome struct {
	Stage   Stage
	Date    time.Time
	Outcome Outcome
}

// Report lists the stage outcomes of one run in execution order.
type Report struct {
	RunID  string
	DagID  string
	Stages []StageOutcome
}

func (r *Report) add(stage Stage, date time.Time, outcome Outcome) {
	r.Stages = append(r.Stages, StageOutcome{Stage: stage, Date: date, Outcome: outcome})
}

var (
	ErrInvalidRunID    = errors.New("invalid_run_id")
	ErrUnknownStage    = errors.New("unknown_stage")
	ErrInvalidDate     = errors.New("invalid_date")
	ErrInvalidPeriod   = errors.New("invalid_period")
	ErrLockBusy        = errors.New("partition_lock_busy")
	ErrLockUnavailable = errors.New("partition_lock_unavailable")
)

// NewRunID returns a sortable run id of the form run_<ulid>.
func NewRunID() string {
	return "run_" + ulid.Make().String()
}
