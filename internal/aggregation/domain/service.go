package domain

import (
	"context"
	"errors"
	"time"
)

type AggregateResult struct {
	EventDate time.Time
	Events    int64
	Groups    int64
}

func (r AggregateResult) Detail() map[string]any {
	return map[string]any{
		"events": r.Events,
		"groups": r.Groups,
	}
}

type Service interface {
	// Aggregate recomputes the whole partition for eventDate from the
	// canonical store and replaces it atomically.
	Aggregate(ctx context.Context, eventDate time.Time, batchID string) (AggregateResult, error)
	ListByDate(ctx context.Context, eventDate time.Time) ([]DailyAggregate, error)
}

var (
	ErrInvalidBatchID = errors.New("invalid_batch_id")
	ErrInvalidDate    = errors.New("invalid_event_date")
)
