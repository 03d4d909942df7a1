package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/customer/domain"
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
		log:   p.Log.Named("customer.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// UpsertCustomers applies source snapshots as type 2 changes: a changed
// customer gets its current row closed and a new current version inserted.
func (s *Service) UpsertCustomers(ctx context.Context, records []domain.CustomerRecord) (domain.UpsertResult, error) {
	var result domain.UpsertResult

	latest := make(map[string]domain.CustomerRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		rec.CustomerID = strings.TrimSpace(rec.CustomerID)
		if rec.CustomerID == "" {
			result.Skipped++
			continue
		}
		if _, ok := latest[rec.CustomerID]; !ok {
			order = append(order, rec.CustomerID)
		}
		latest[rec.CustomerID] = normalize(rec)
	}
	if len(order) == 0 {
		return result, nil
	}

	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		currentRows, err := s.repo.FindCurrent(ctx, tx, order)
		if err != nil {
			return err
		}
		current := make(map[string]domain.CustomerDim, len(currentRows))
		for _, row := range currentRows {
			if _, dup := current[row.CustomerID]; dup {
				return domain.ErrMultipleCurrent
			}
			current[row.CustomerID] = row
		}

		for _, id := range order {
			rec := latest[id]
			existing, ok := current[id]
			if ok && existing.SameAttributes(rec) {
				result.Unchanged++
				continue
			}
			if ok {
				if err := s.repo.CloseCurrent(ctx, tx, existing.CustomerSK, now); err != nil {
					return err
				}
				result.Versioned++
			} else {
				result.Inserted++
			}

			dim := &domain.CustomerDim{
				CustomerSK:      s.genID.Generate(),
				CustomerID:      rec.CustomerID,
				CustomerName:    rec.CustomerName,
				PlanID:          rec.PlanID,
				Status:          rec.Status,
				Country:         rec.Country,
				IsCurrent:       true,
				EffectiveStart:  now,
				SourceUpdatedAt: rec.UpdatedAt,
				CreatedAt:       now,
			}
			if err := s.repo.Insert(ctx, tx, dim); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.UpsertResult{}, err
	}

	s.log.Info("customer.upsert.completed",
		zap.Int("inserted", result.Inserted),
		zap.Int("versioned", result.Versioned),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (s *Service) FindCurrent(ctx context.Context, customerIDs []string) (map[string]domain.CustomerDim, error) {
	rows, err := s.repo.FindCurrent(ctx, s.db, customerIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.CustomerDim, len(rows))
	for _, row := range rows {
		if _, dup := out[row.CustomerID]; dup {
			s.log.Warn("customer.multiple_current", zap.String("customer_id", row.CustomerID))
			continue
		}
		out[row.CustomerID] = row
	}
	return out, nil
}

func (s *Service) FindBySK(ctx context.Context, sk snowflake.ID) (*domain.CustomerDim, error) {
	return s.repo.FindBySK(ctx, s.db, sk)
}

func (s *Service) FindBySKs(ctx context.Context, sks []snowflake.ID) (map[snowflake.ID]domain.CustomerDim, error) {
	rows, err := s.repo.FindBySKs(ctx, s.db, sks)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]domain.CustomerDim, len(rows))
	for _, row := range rows {
		out[row.CustomerSK] = row
	}
	return out, nil
}

func (s *Service) CustomersWithMultipleCurrent(ctx context.Context) ([]string, error) {
	return s.repo.ListCustomersWithMultipleCurrent(ctx, s.db)
}

func normalize(rec domain.CustomerRecord) domain.CustomerRecord {
	rec.CustomerName = strings.TrimSpace(rec.CustomerName)
	rec.PlanID = strings.TrimSpace(rec.PlanID)
	rec.Status = strings.ToLower(strings.TrimSpace(rec.Status))
	rec.Country = strings.ToUpper(strings.TrimSpace(rec.Country))
	return rec
}
