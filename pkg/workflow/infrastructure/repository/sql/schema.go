package sql

import (
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// WorkflowEntity is the persisted form of model.Workflow.
type WorkflowEntity struct {
	UUID               string        `gorm:"column:uuid;primaryKey"`
	Name               string        `gorm:"column:name"`
	Description        string        `gorm:"column:description"`
	Kind               string        `gorm:"column:kind"`
	Enabled            bool          `gorm:"column:enabled"`
	ScheduleCron       *string       `gorm:"column:schedule_cron"`
	Config             model.RawJSON `gorm:"column:config"`
	VersioningDisabled bool          `gorm:"column:versioning_disabled"`
	Version            int           `gorm:"column:version"`
	CreatedAt          time.Time     `gorm:"column:created_at"`
	UpdatedAt          time.Time     `gorm:"column:updated_at"`
	CreatedBy          string        `gorm:"column:created_by"`
	UpdatedBy          string        `gorm:"column:updated_by"`
}

func (WorkflowEntity) TableName() string {
	return "workflows"
}

// WorkflowVersionEntity is one pre-update snapshot of a workflow definition.
type WorkflowVersionEntity struct {
	WorkflowUUID  string        `gorm:"column:workflow_uuid;primaryKey"`
	VersionNumber int           `gorm:"column:version_number;primaryKey"`
	Data          model.RawJSON `gorm:"column:data"`
	CreatedAt     time.Time     `gorm:"column:created_at"`
	CreatedBy     string        `gorm:"column:created_by"`
}

func (WorkflowVersionEntity) TableName() string {
	return "workflow_versions"
}

// WorkflowRunEntity is the persisted form of model.WorkflowRun.
type WorkflowRunEntity struct {
	UUID           string     `gorm:"column:uuid;primaryKey"`
	WorkflowUUID   string     `gorm:"column:workflow_uuid"`
	Status         string     `gorm:"column:status"`
	TriggerType    string     `gorm:"column:trigger_type"`
	TriggeredBy    string     `gorm:"column:triggered_by"`
	QueuedAt       time.Time  `gorm:"column:queued_at"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	StagedItems    int        `gorm:"column:staged_items"`
	ProcessedItems int        `gorm:"column:processed_items"`
	FailedItems    int        `gorm:"column:failed_items"`
	SkippedItems   int        `gorm:"column:skipped_items"`
	Error          string     `gorm:"column:error"`
}

func (WorkflowRunEntity) TableName() string {
	return "workflow_runs"
}

// RawItemEntity is the persisted form of model.RawItem.
type RawItemEntity struct {
	UUID        string        `gorm:"column:uuid;primaryKey"`
	RunUUID     string        `gorm:"column:run_uuid"`
	Seq         int           `gorm:"column:seq"`
	Payload     model.JSONMap `gorm:"column:payload"`
	Status      string        `gorm:"column:status"`
	Error       string        `gorm:"column:error"`
	CreatedAt   time.Time     `gorm:"column:created_at"`
	ProcessedAt *time.Time    `gorm:"column:processed_at"`
}

func (RawItemEntity) TableName() string {
	return "raw_items"
}

// RunLogEntity is the persisted form of model.WorkflowRunLog.
type RunLogEntity struct {
	UUID    string        `gorm:"column:uuid;primaryKey"`
	RunUUID string        `gorm:"column:run_uuid"`
	TS      time.Time     `gorm:"column:ts"`
	Level   string        `gorm:"column:level"`
	Message string        `gorm:"column:message"`
	Meta    model.JSONMap `gorm:"column:meta"`
}

func (RunLogEntity) TableName() string {
	return "workflow_run_logs"
}
