package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	pricingdomain "github.com/smallbiznis/meterflow/internal/pricing/domain"
	ratingdomain "github.com/smallbiznis/meterflow/internal/rating/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"github.com/smallbiznis/meterflow/pkg/db/option"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// costScale is the stored precision of cost amounts.
const costScale = 10

// maxLoggedRows bounds per-row data quality warnings for one date.
const maxLoggedRows = 20

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	factRepo     repository.Repository[ratingdomain.DailyCostFact]
	aggRepo      aggregationdomain.Repository
	customerRepo customerdomain.Repository
	pricing      pricingdomain.Service
}

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	AggRepo      aggregationdomain.Repository
	CustomerRepo customerdomain.Repository
	Pricing      pricingdomain.Service
}

func NewService(p ServiceParam) ratingdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rating.service"),
		clock: p.Clock,

		factRepo:     repository.ProvideStore[ratingdomain.DailyCostFact](p.DB),
		aggRepo:      p.AggRepo,
		customerRepo: p.CustomerRepo,
		pricing:      p.Pricing,
	}
}

func (s *Service) RateDate(ctx context.Context, dateID time.Time, batchID string) (ratingdomain.RateResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return ratingdomain.RateResult{}, ratingdomain.ErrInvalidBatchID
	}
	if dateID.IsZero() {
		return ratingdomain.RateResult{}, ratingdomain.ErrInvalidDate
	}
	day := dateutil.Day(dateID)
	result := ratingdomain.RateResult{DateID: day}

	resolver, err := s.pricing.Resolver(ctx)
	if err != nil {
		return ratingdomain.RateResult{}, err
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		aggregates, err := s.aggRepo.ListByDate(ctx, tx, day)
		if err != nil {
			return err
		}
		result.Aggregates = int64(len(aggregates))

		customers, err := s.currentCustomers(ctx, tx, aggregates)
		if err != nil {
			return err
		}

		facts := make([]*ratingdomain.DailyCostFact, 0, len(aggregates))
		for _, agg := range aggregates {
			customer, ok := customers[agg.CustomerID]
			if !ok {
				result.Orphaned++
				if result.Orphaned <= maxLoggedRows {
					s.log.Warn("rating.orphaned_usage",
						zap.String("date_id", dateutil.Format(day)),
						zap.String("customer_id", agg.CustomerID),
						zap.String("product_id", agg.ProductID),
					)
				}
				continue
			}

			res, ok := resolver.Resolve(agg.ProductID, agg.Unit, customer.PlanID, day)
			if !ok {
				result.MissingRate++
				if result.MissingRate <= maxLoggedRows {
					s.log.Warn("rating.missing_rate",
						zap.String("date_id", dateutil.Format(day)),
						zap.String("customer_id", agg.CustomerID),
						zap.String("product_id", agg.ProductID),
						zap.String("unit", agg.Unit),
						zap.String("plan_id", customer.PlanID),
					)
				}
				continue
			}
			if res.Overlap {
				result.Overlapping++
				s.log.Warn("rating.overlapping_rates",
					zap.String("date_id", dateutil.Format(day)),
					zap.String("product_id", agg.ProductID),
					zap.String("unit", agg.Unit),
					zap.String("chosen_rate_id", res.Rate.RateID),
				)
			}

			billable := agg.TotalQuantity
			facts = append(facts, &ratingdomain.DailyCostFact{
				DateID:           day,
				CustomerSK:       customer.CustomerSK,
				ProductID:        agg.ProductID,
				Unit:             agg.Unit,
				CustomerID:       agg.CustomerID,
				TotalQuantity:    agg.TotalQuantity,
				BillableQuantity: billable,
				UnitPrice:        res.Rate.UnitPrice,
				CostAmount:       billable.Mul(res.Rate.UnitPrice).Round(costScale),
				Currency:         res.Rate.Currency,
				RateSK:           res.Rate.RateSK,
				BatchID:          batchID,
				LoadTimestamp:    now,
			})
		}

		result.Facts = int64(len(facts))
		// The date is recomputed as a whole.
		_, err = s.factRepo.WithTrx(tx).Replace(ctx, option.WithWhere("date_id = ?", day), facts)
		return err
	})
	if err != nil {
		return ratingdomain.RateResult{}, fmt.Errorf("rate %s: %w", dateutil.Format(day), err)
	}

	s.log.Info("rating.completed",
		zap.String("date_id", dateutil.Format(day)),
		zap.String("batch_id", batchID),
		zap.Int64("aggregates", result.Aggregates),
		zap.Int64("facts", result.Facts),
		zap.Int64("orphaned", result.Orphaned),
		zap.Int64("missing_rate", result.MissingRate),
	)
	return result, nil
}

func (s *Service) currentCustomers(ctx context.Context, tx *gorm.DB, aggregates []aggregationdomain.DailyAggregate) (map[string]customerdomain.CustomerDim, error) {
	ids := make([]string, 0, len(aggregates))
	seen := make(map[string]struct{}, len(aggregates))
	for _, agg := range aggregates {
		if _, ok := seen[agg.CustomerID]; ok {
			continue
		}
		seen[agg.CustomerID] = struct{}{}
		ids = append(ids, agg.CustomerID)
	}

	rows, err := s.customerRepo.FindCurrent(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]customerdomain.CustomerDim, len(rows))
	for _, row := range rows {
		// Rows arrive newest first per customer.
		if _, dup := out[row.CustomerID]; dup {
			s.log.Warn("rating.multiple_current_customer", zap.String("customer_id", row.CustomerID))
			continue
		}
		out[row.CustomerID] = row
	}
	return out, nil
}

func (s *Service) ListByDate(ctx context.Context, dateID time.Time) ([]*ratingdomain.DailyCostFact, error) {
	return s.factRepo.Find(ctx, nil,
		option.WithWhere("date_id = ?", dateutil.Day(dateID)),
		option.WithSortBy("customer_id", false),
		option.WithSortBy("product_id", false),
		option.WithSortBy("unit", false),
	)
}

func (s *Service) ListInPeriod(ctx context.Context, start, end time.Time, customerSKs ...snowflake.ID) ([]*ratingdomain.DailyCostFact, error) {
	start, end = dateutil.Day(start), dateutil.Day(end)
	if end.Before(start) {
		return nil, ratingdomain.ErrInvalidPeriod
	}
	opts := []option.QueryOption{
		option.WithWhere("date_id >= ? AND date_id <= ?", start, end),
		option.WithSortBy("customer_sk", false),
		option.WithSortBy("date_id", false),
		option.WithSortBy("product_id", false),
		option.WithSortBy("unit", false),
	}
	if len(customerSKs) > 0 {
		opts = append(opts, option.WithIn("customer_sk", customerSKs))
	}
	return s.factRepo.Find(ctx, nil, opts...)
}
