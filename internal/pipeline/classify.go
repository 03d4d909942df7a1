package pipeline

import (
	"context"
	"errors"

	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
)

type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTransient   ErrorClass = "transient"
	ClassDataQuality ErrorClass = "data_quality"
	ClassInvariant   ErrorClass = "invariant_violation"
)

// Classify maps a stage error onto the failure taxonomy. Anything that is
// neither an infrastructure fault nor a broken invariant is a data problem
// a retry will not fix.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case invariantReason(err) != "":
		return ClassInvariant
	case errors.Is(err, ErrLockBusy),
		errors.Is(err, ErrLockUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		db.IsTransient(err):
		return ClassTransient
	default:
		return ClassDataQuality
	}
}

// Retryable reports whether the driver may re-invoke after err.
func Retryable(err error) bool {
	return err != nil && Classify(err) != ClassInvariant
}

// Reason is the code recorded on a FAILED audit row.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if reason := invariantReason(err); reason != "" {
		return reason
	}
	return string(Classify(err))
}

func invariantReason(err error) string {
	if v, ok := auditdomain.AsViolation(err); ok {
		return v.Reason
	}
	switch {
	case errors.Is(err, invoicedomain.ErrTotalMismatch):
		return auditdomain.ReasonTotalMismatch
	case errors.Is(err, pricingdomain.ErrRateOverlap):
		return auditdomain.ReasonRateOverlap
	case errors.Is(err, customerdomain.ErrMultipleCurrent):
		return auditdomain.ReasonMultipleCurrent
	}
	return ""
}
