package domain

import (
	"errors"
	"fmt"
)

// Integrity checks and the reason codes a failed check reports.
const (
	CheckDuplicateEvents   = "duplicate_events"
	CheckInvoiceTotals     = "invoice_totals"
	CheckRateOverlaps      = "rate_overlaps"
	CheckCurrentCustomers  = "current_customers"
	ReasonDuplicateEventID = "duplicate_event_id"
	ReasonTotalMismatch    = "invoice_total_mismatch"
	ReasonRateOverlap      = "rate_overlap"
	ReasonMultipleCurrent  = "multiple_current_customer"
)

// CheckResult is the typed outcome of one invariant check.
type CheckResult struct {
	Check  string
	Passed bool
	// Fatal is false for checks that only warn under the current policy.
	Fatal  bool
	Reason string
	Detail map[string]any
}

func Pass(check string, detail map[string]any) CheckResult {
	return CheckResult{Check: check, Passed: true, Detail: detail}
}

func Fail(check, reason string, fatal bool, detail map[string]any) CheckResult {
	return CheckResult{Check: check, Reason: reason, Fatal: fatal, Detail: detail}
}

// Err returns a *ViolationError for a failed fatal check and nil otherwise.
func (r CheckResult) Err() error {
	if r.Passed || !r.Fatal {
		return nil
	}
	return &ViolationError{Check: r.Check, Reason: r.Reason, Detail: r.Detail}
}

// ViolationError reports a broken data invariant. It is never retried.
type ViolationError struct {
	Check  string
	Reason string
	Detail map[string]any
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("invariant violation %s: %s", e.Check, e.Reason)
}

// AsViolation unwraps err into a *ViolationError.
func AsViolation(err error) (*ViolationError, bool) {
	var v *ViolationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
