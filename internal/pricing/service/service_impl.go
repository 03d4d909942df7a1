package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/pricing/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricing.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// UpsertRates applies catalog rows keyed by rate_id. The whole load is
// rejected when it leaves two current rates overlapping in one scope.
func (s *Service) UpsertRates(ctx context.Context, records []domain.RateRecord) (domain.UpsertResult, error) {
	var result domain.UpsertResult

	latest := make(map[string]domain.RateRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		rec, err := normalizeRecord(rec)
		if err != nil {
			return domain.UpsertResult{}, fmt.Errorf("rate %q: %w", rec.RateID, err)
		}
		if _, ok := latest[rec.RateID]; !ok {
			order = append(order, rec.RateID)
		}
		latest[rec.RateID] = rec
	}
	if len(order) == 0 {
		return result, nil
	}

	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existingRows, err := s.repo.FindByRateIDs(ctx, tx, order)
		if err != nil {
			return err
		}
		existing := make(map[string]domain.PricingRate, len(existingRows))
		for _, row := range existingRows {
			existing[row.RateID] = row
		}

		for _, id := range order {
			rec := latest[id]
			row, ok := existing[id]
			if ok && sameRate(row, rec) {
				result.Unchanged++
				continue
			}
			if !ok {
				row = domain.PricingRate{RateSK: s.genID.Generate(), RateID: rec.RateID, CreatedAt: now}
			}
			row.ProductID = rec.ProductID
			row.Unit = rec.Unit
			row.PlanID = rec.PlanID
			row.UnitPrice = rec.UnitPrice
			row.Currency = rec.Currency
			row.EffectiveFrom = rec.EffectiveFrom
			row.EffectiveTo = rec.EffectiveTo
			row.IsCurrent = true
			row.UpdatedAt = now

			if ok {
				if err := s.repo.Save(ctx, tx, &row); err != nil {
					return err
				}
				result.Updated++
				continue
			}
			if err := s.repo.Insert(ctx, tx, &row); err != nil {
				return err
			}
			result.Inserted++
		}

		current, err := s.repo.ListCurrent(ctx, tx)
		if err != nil {
			return err
		}
		if overlaps := domain.FindOverlaps(current); len(overlaps) > 0 {
			o := overlaps[0]
			return fmt.Errorf("%w: %s and %s for %s/%s plan %q",
				domain.ErrRateOverlap, o.A, o.B, o.Scope.ProductID, o.Scope.Unit, o.Scope.PlanID)
		}
		return nil
	})
	if err != nil {
		return domain.UpsertResult{}, err
	}

	s.log.Info("pricing.upsert.completed",
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
	)
	return result, nil
}

// Resolver snapshots the current catalog for repeated lookups within one
// stage run.
func (s *Service) Resolver(ctx context.Context) (*domain.Resolver, error) {
	rows, err := s.repo.ListCurrent(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return domain.NewResolver(rows), nil
}

func (s *Service) ResolveEffective(ctx context.Context, productID, unit, planID string, day time.Time) (domain.Resolution, error) {
	resolver, err := s.Resolver(ctx)
	if err != nil {
		return domain.Resolution{}, err
	}
	res, ok := resolver.Resolve(productID, unit, planID, dateutil.Day(day))
	if !ok {
		return domain.Resolution{}, domain.ErrRateNotFound
	}
	if res.Overlap {
		s.log.Warn("pricing.rate_overlap",
			zap.String("product_id", productID),
			zap.String("unit", unit),
			zap.String("plan_id", planID),
			zap.String("date", dateutil.Format(day)),
			zap.String("chosen_rate_id", res.Rate.RateID),
		)
	}
	return res, nil
}

func (s *Service) CheckOverlaps(ctx context.Context) ([]domain.Overlap, error) {
	rows, err := s.repo.ListCurrent(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return domain.FindOverlaps(rows), nil
}

func (s *Service) FindBySKs(ctx context.Context, sks []snowflake.ID) (map[snowflake.ID]domain.PricingRate, error) {
	rows, err := s.repo.FindBySKs(ctx, s.db, sks)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]domain.PricingRate, len(rows))
	for _, row := range rows {
		out[row.RateSK] = row
	}
	return out, nil
}

func normalizeRecord(rec domain.RateRecord) (domain.RateRecord, error) {
	rec.RateID = strings.TrimSpace(rec.RateID)
	rec.ProductID = strings.TrimSpace(rec.ProductID)
	rec.Unit = strings.TrimSpace(rec.Unit)
	rec.PlanID = strings.TrimSpace(rec.PlanID)
	rec.Currency = strings.ToUpper(strings.TrimSpace(rec.Currency))

	switch {
	case rec.RateID == "":
		return rec, domain.ErrInvalidRateID
	case rec.ProductID == "":
		return rec, domain.ErrInvalidProduct
	case rec.Unit == "":
		return rec, domain.ErrInvalidUnit
	case rec.UnitPrice.IsNegative():
		return rec, domain.ErrInvalidUnitPrice
	case len(rec.Currency) != 3:
		return rec, domain.ErrInvalidCurrency
	case rec.EffectiveFrom.IsZero():
		return rec, domain.ErrInvalidEffectiveFrom
	}

	rec.EffectiveFrom = dateutil.Day(rec.EffectiveFrom)
	if rec.EffectiveTo != nil {
		to := dateutil.Day(*rec.EffectiveTo)
		if !to.After(rec.EffectiveFrom) {
			return rec, domain.ErrInvalidWindow
		}
		rec.EffectiveTo = &to
	}
	return rec, nil
}

func sameRate(row domain.PricingRate, rec domain.RateRecord) bool {
	if row.ProductID != rec.ProductID || row.Unit != rec.Unit || row.PlanID != rec.PlanID ||
		row.Currency != rec.Currency || !row.IsCurrent || !row.UnitPrice.Equal(rec.UnitPrice) ||
		!row.EffectiveFrom.Equal(rec.EffectiveFrom) {
		return false
	}
	switch {
	case row.EffectiveTo == nil && rec.EffectiveTo == nil:
		return true
	case row.EffectiveTo == nil || rec.EffectiveTo == nil:
		return false
	default:
		return row.EffectiveTo.Equal(*rec.EffectiveTo)
	}
}
