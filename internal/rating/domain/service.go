package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RateResult struct {
	DateID      time.Time
	Aggregates  int64
	Facts       int64
	Orphaned    int64
	MissingRate int64
	Overlapping int64
}

func (r RateResult) Detail() map[string]any {
	return map[string]any{
		"aggregates":   r.Aggregates,
		"facts":        r.Facts,
		"orphaned":     r.Orphaned,
		"missing_rate": r.MissingRate,
		"overlapping":  r.Overlapping,
	}
}

type Service interface {
	// RateDate replaces every cost fact of dateID with freshly rated rows.
	RateDate(ctx context.Context, dateID time.Time, batchID string) (RateResult, error)
	ListByDate(ctx context.Context, dateID time.Time) ([]*DailyCostFact, error)
	ListInPeriod(ctx context.Context, start, end time.Time, customerSKs ...snowflake.ID) ([]*DailyCostFact, error)
}

var (
	ErrInvalidBatchID = errors.New("invalid_batch_id")
	ErrInvalidDate    = errors.New("invalid_date_id")
	ErrInvalidPeriod  = errors.New("invalid_period")
)
