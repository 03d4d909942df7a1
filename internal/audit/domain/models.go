// Package domain contains the pipeline run audit trail and integrity checks.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RunStatus is the terminal state of one stage invocation.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// PipelineRunAudit is an append-only record of one stage invocation.
type PipelineRunAudit struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	RunID            string            `gorm:"type:varchar(128);not null;index:idx_pipeline_run_lookup,priority:1"`
	DagID            string            `gorm:"type:varchar(64);not null"`
	StageID          string            `gorm:"type:varchar(32);not null;index:idx_pipeline_run_lookup,priority:2"`
	ExecutionDate    time.Time         `gorm:"type:date;not null;index:idx_pipeline_run_lookup,priority:3"`
	Status           RunStatus         `gorm:"type:varchar(16);not null"`
	Reason           string            `gorm:"type:varchar(64)"`
	Detail           datatypes.JSONMap `gorm:""`
	CreatedTimestamp time.Time         `gorm:"not null;index"`
}

// TableName sets the database table name.
func (PipelineRunAudit) TableName() string { return "pipeline_run_audit" }
