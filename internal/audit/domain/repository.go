package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	RunID   string
	DagID   string
	StageID string
	Status  RunStatus
	Since   *time.Time
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *PipelineRunAudit) error
	FindSuccess(ctx context.Context, db *gorm.DB, runID, stageID string, executionDate time.Time) (*PipelineRunAudit, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*PipelineRunAudit, error)
}
