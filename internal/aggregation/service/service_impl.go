package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      domain.Repository
	UsageRepo usagedomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      domain.Repository
	usageRepo usagedomain.Repository
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("aggregation.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		usageRepo: p.UsageRepo,
	}
}

type groupKey struct {
	customerID string
	productID  string
	unit       string
}

func (s *Service) Aggregate(ctx context.Context, eventDate time.Time, batchID string) (domain.AggregateResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return domain.AggregateResult{}, domain.ErrInvalidBatchID
	}
	if eventDate.IsZero() {
		return domain.AggregateResult{}, domain.ErrInvalidDate
	}
	day := dateutil.Day(eventDate)
	result := domain.AggregateResult{EventDate: day}
	now := s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events, err := s.usageRepo.ListByDate(ctx, tx, day)
		if err != nil {
			return err
		}
		result.Events = int64(len(events))

		rows := rollup(events, day, batchID, now)
		result.Groups = int64(len(rows))
		return s.repo.ReplacePartition(ctx, tx, day, rows)
	})
	if err != nil {
		return domain.AggregateResult{}, fmt.Errorf("aggregate %s: %w", dateutil.Format(day), err)
	}

	s.log.Info("aggregation.completed",
		zap.String("event_date", dateutil.Format(day)),
		zap.String("batch_id", batchID),
		zap.Int64("events", result.Events),
		zap.Int64("groups", result.Groups),
	)
	return result, nil
}

func (s *Service) ListByDate(ctx context.Context, eventDate time.Time) ([]domain.DailyAggregate, error) {
	return s.repo.ListByDate(ctx, s.db, dateutil.Day(eventDate))
}

func rollup(events []usagedomain.UsageEvent, day time.Time, batchID string, now time.Time) []domain.DailyAggregate {
	groups := make(map[groupKey]*domain.DailyAggregate)
	for _, ev := range events {
		key := groupKey{customerID: ev.CustomerID, productID: ev.ProductID, unit: ev.Unit}
		agg, ok := groups[key]
		if !ok {
			agg = &domain.DailyAggregate{
				EventDate:     day,
				CustomerID:    ev.CustomerID,
				ProductID:     ev.ProductID,
				Unit:          ev.Unit,
				TotalQuantity: decimal.Zero,
				BatchID:       batchID,
				LoadTimestamp: now,
			}
			groups[key] = agg
		}
		agg.TotalQuantity = agg.TotalQuantity.Add(ev.Quantity)
		agg.EventCount++
		if ev.EventTimestamp.After(agg.LastEventTimestamp) {
			agg.LastEventTimestamp = ev.EventTimestamp.UTC()
		}
	}

	rows := make([]domain.DailyAggregate, 0, len(groups))
	for _, agg := range groups {
		rows = append(rows, *agg)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.Unit < b.Unit
	})
	return rows
}
