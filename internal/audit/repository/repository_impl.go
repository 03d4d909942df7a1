package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/meterflow/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.PipelineRunAudit) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) FindSuccess(ctx context.Context, db *gorm.DB, runID, stageID string, executionDate time.Time) (*domain.PipelineRunAudit, error) {
	var entry domain.PipelineRunAudit
	err := db.WithContext(ctx).
		Where("run_id = ? AND stage_id = ? AND execution_date = ? AND status = ?", runID, stageID, executionDate, domain.RunStatusSuccess).
		Order("created_timestamp DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.PipelineRunAudit, error) {
	var entries []*domain.PipelineRunAudit
	stmt := db.WithContext(ctx).Model(&domain.PipelineRunAudit{})

	if runID := strings.TrimSpace(filter.RunID); runID != "" {
		stmt = stmt.Where("run_id = ?", runID)
	}
	if dagID := strings.TrimSpace(filter.DagID); dagID != "" {
		stmt = stmt.Where("dag_id = ?", dagID)
	}
	if stageID := strings.TrimSpace(filter.StageID); stageID != "" {
		stmt = stmt.Where("stage_id = ?", stageID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Since != nil {
		stmt = stmt.Where("created_timestamp >= ?", filter.Since.UTC())
	}

	stmt = stmt.Order("created_timestamp desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
