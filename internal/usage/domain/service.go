package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

type MergeRequest struct {
	BatchID string
	// EventDate is the partition the batch was staged under. Records are
	// stored under the date derived from their own timestamp.
	EventDate time.Time
	Source    string
	Records   []RawUsageRecord
	// Malformed counts lines rejected before they became records.
	Malformed int64
}

type MergeResult struct {
	Read              int64
	Malformed         int64
	DuplicatesInBatch int64
	Inserted          int64
	Updated           int64
	Unchanged         int64
	Stale             int64
	TouchedDates      []time.Time
}

// Detail renders the counts for the run audit trail.
func (r MergeResult) Detail() map[string]any {
	return map[string]any{
		"read":                r.Read,
		"malformed":           r.Malformed,
		"duplicates_in_batch": r.DuplicatesInBatch,
		"inserted":            r.Inserted,
		"updated":             r.Updated,
		"unchanged":           r.Unchanged,
		"stale":               r.Stale,
		"touched_dates":       len(r.TouchedDates),
	}
}

type Service interface {
	Merge(ctx context.Context, req MergeRequest) (MergeResult, error)
	MergeStream(ctx context.Context, batchID string, eventDate time.Time, source string, r io.Reader) (MergeResult, error)
	ListByDate(ctx context.Context, eventDate time.Time) ([]UsageEvent, error)
	CountDuplicateEventIDs(ctx context.Context) (int64, error)
}

var (
	ErrInvalidBatchID   = errors.New("invalid_batch_id")
	ErrMissingEventID   = errors.New("missing_event_id")
	ErrMissingTimestamp = errors.New("missing_event_timestamp")
	ErrInvalidTimestamp = errors.New("invalid_event_timestamp")
	ErrMissingCustomer  = errors.New("missing_customer_id")
	ErrMissingProduct   = errors.New("missing_product_id")
	ErrMissingUnit      = errors.New("missing_unit")
	ErrMissingQuantity  = errors.New("missing_quantity")
	ErrNegativeQuantity = errors.New("negative_quantity")
)
