package repository

import (
	"context"
	"time"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const lookupChunkSize = 500

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) FindByIDsForUpdate(ctx context.Context, db *gorm.DB, eventIDs []string) (map[string]usagedomain.UsageEvent, error) {
	out := make(map[string]usagedomain.UsageEvent, len(eventIDs))
	for start := 0; start < len(eventIDs); start += lookupChunkSize {
		end := start + lookupChunkSize
		if end > len(eventIDs) {
			end = len(eventIDs)
		}

		var rows []usagedomain.UsageEvent
		err := db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("event_id IN ?", eventIDs[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out[row.EventID] = row
		}
	}
	return out, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, events []usagedomain.UsageEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		CreateInBatches(&events, lookupChunkSize)
	return result.RowsAffected, result.Error
}

func (r *repo) Overwrite(ctx context.Context, db *gorm.DB, event usagedomain.UsageEvent) error {
	return db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("event_id = ?", event.EventID).
		Updates(map[string]any{
			"event_timestamp": event.EventTimestamp,
			"event_date":      event.EventDate,
			"customer_id":     event.CustomerID,
			"product_id":      event.ProductID,
			"plan_id":         event.PlanID,
			"region":          event.Region,
			"unit":            event.Unit,
			"quantity":        event.Quantity,
			"source":          event.Source,
			"schema_version":  event.SchemaVersion,
			"load_timestamp":  event.LoadTimestamp,
			"batch_id":        event.BatchID,
			"content_hash":    event.ContentHash,
		}).Error
}

func (r *repo) ListByDate(ctx context.Context, db *gorm.DB, eventDate time.Time) ([]usagedomain.UsageEvent, error) {
	var rows []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("event_date = ?", eventDate).
		Order("customer_id ASC, product_id ASC, unit ASC, event_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListForCustomerInPeriod(ctx context.Context, db *gorm.DB, customerID string, start, end time.Time) ([]usagedomain.UsageEvent, error) {
	var rows []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("customer_id = ? AND event_date >= ? AND event_date <= ?", customerID, start, end).
		Order("event_timestamp ASC, event_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) CountDuplicateEventIDs(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM (
			SELECT event_id FROM usage_events GROUP BY event_id HAVING COUNT(*) > 1
		) dup`,
	).Scan(&count).Error
	return count, err
}
