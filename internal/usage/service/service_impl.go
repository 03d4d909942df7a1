package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/meterflow/internal/clock"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxLoggedRejects bounds per-record warnings for one batch.
const maxLoggedRejects = 20

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  usagedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) MergeStream(ctx context.Context, batchID string, eventDate time.Time, source string, r io.Reader) (usagedomain.MergeResult, error) {
	records, malformed, err := ParseBatch(r)
	if err != nil {
		return usagedomain.MergeResult{}, fmt.Errorf("read batch %s: %w", batchID, err)
	}
	return s.Merge(ctx, usagedomain.MergeRequest{
		BatchID:   batchID,
		EventDate: eventDate,
		Source:    source,
		Records:   records,
		Malformed: malformed,
	})
}

// Merge upserts a raw batch into the canonical store. Within the batch the
// latest event_timestamp per event_id wins, first seen on ties. Against the
// store an incoming record overwrites only when its timestamp is not older
// than the stored one and its content differs.
func (s *Service) Merge(ctx context.Context, req usagedomain.MergeRequest) (usagedomain.MergeResult, error) {
	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		return usagedomain.MergeResult{}, usagedomain.ErrInvalidBatchID
	}

	result := usagedomain.MergeResult{
		Read:      int64(len(req.Records)) + req.Malformed,
		Malformed: req.Malformed,
	}

	candidates, order := s.dedupeBatch(req, &result)
	if len(order) == 0 {
		s.logResult(batchID, req.EventDate, result)
		return result, nil
	}

	now := s.clock.Now().UTC()
	touched := map[time.Time]struct{}{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByIDsForUpdate(ctx, tx, order)
		if err != nil {
			return err
		}

		toInsert := make([]usagedomain.UsageEvent, 0, len(order))
		for _, id := range order {
			incoming := candidates[id]
			incoming.BatchID = batchID
			incoming.LoadTimestamp = now

			stored, ok := existing[id]
			if !ok {
				incoming.FirstLoadTimestamp = now
				toInsert = append(toInsert, incoming)
				continue
			}

			switch {
			case stored.ContentHash == incoming.ContentHash:
				result.Unchanged++
			case incoming.EventTimestamp.Before(stored.EventTimestamp):
				result.Stale++
			default:
				incoming.FirstLoadTimestamp = stored.FirstLoadTimestamp
				if err := s.repo.Overwrite(ctx, tx, incoming); err != nil {
					return err
				}
				result.Updated++
				touched[dateutil.Day(incoming.EventDate)] = struct{}{}
				touched[dateutil.Day(stored.EventDate)] = struct{}{}
			}
		}

		inserted, err := s.repo.Insert(ctx, tx, toInsert)
		if err != nil {
			return err
		}
		result.Inserted = inserted
		result.Unchanged += int64(len(toInsert)) - inserted
		for _, ev := range toInsert {
			touched[dateutil.Day(ev.EventDate)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return usagedomain.MergeResult{}, fmt.Errorf("merge batch %s: %w", batchID, err)
	}

	result.TouchedDates = sortedDates(touched)
	s.logResult(batchID, req.EventDate, result)
	return result, nil
}

func (s *Service) dedupeBatch(req usagedomain.MergeRequest, result *usagedomain.MergeResult) (map[string]usagedomain.UsageEvent, []string) {
	defaultSource := strings.TrimSpace(req.Source)
	candidates := make(map[string]usagedomain.UsageEvent, len(req.Records))
	order := make([]string, 0, len(req.Records))

	for i, rec := range req.Records {
		event, err := normalizeRecord(rec, defaultSource)
		if err != nil {
			result.Malformed++
			if result.Malformed <= maxLoggedRejects {
				s.log.Warn("usage.merge.skipped_record",
					zap.String("batch_id", req.BatchID),
					zap.Int("line", i+1),
					zap.String("event_id", rec.EventID),
					zap.Error(err),
				)
			}
			continue
		}

		current, seen := candidates[event.EventID]
		if !seen {
			candidates[event.EventID] = event
			order = append(order, event.EventID)
			continue
		}
		result.DuplicatesInBatch++
		if event.EventTimestamp.After(current.EventTimestamp) {
			candidates[event.EventID] = event
		}
	}
	return candidates, order
}

func (s *Service) logResult(batchID string, eventDate time.Time, result usagedomain.MergeResult) {
	fields := []zap.Field{
		zap.String("batch_id", batchID),
		zap.Int64("read", result.Read),
		zap.Int64("malformed", result.Malformed),
		zap.Int64("duplicates_in_batch", result.DuplicatesInBatch),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated),
		zap.Int64("unchanged", result.Unchanged),
		zap.Int64("stale", result.Stale),
		zap.Int("touched_dates", len(result.TouchedDates)),
	}
	if !eventDate.IsZero() {
		fields = append(fields, zap.String("event_date", dateutil.Format(eventDate)))
	}
	s.log.Info("usage.merge.completed", fields...)
}

func (s *Service) ListByDate(ctx context.Context, eventDate time.Time) ([]usagedomain.UsageEvent, error) {
	return s.repo.ListByDate(ctx, s.db, dateutil.Day(eventDate))
}

func (s *Service) CountDuplicateEventIDs(ctx context.Context) (int64, error) {
	return s.repo.CountDuplicateEventIDs(ctx, s.db)
}

func sortedDates(set map[time.Time]struct{}) []time.Time {
	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
