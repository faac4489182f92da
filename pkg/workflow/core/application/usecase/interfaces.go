package usecase

import (
	"context"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// Upload is a file supplied with a manual run. FormatType overrides the format declared by
// the workflow when set.
type Upload struct {
	Data       []byte
	FormatType string
}

// WorkflowService manages workflow definitions and their runs.
type WorkflowService interface {
	// Create validates wf and stores it.
	Create(ctx context.Context, wf *model.Workflow) error
	// Update validates wf and stores it; the previous definition is kept as a version snapshot.
	Update(ctx context.Context, wf *model.Workflow) error
	// Delete removes a workflow with its runs and version history.
	Delete(ctx context.Context, workflowUUID string) error
	Get(ctx context.Context, workflowUUID string) (*model.Workflow, error)
	List(ctx context.Context) ([]*model.Workflow, error)
	// Versions lists the snapshots of a workflow, newest first.
	Versions(ctx context.Context, workflowUUID string) ([]*model.WorkflowVersion, error)
	// Rollback restores the definition captured by a version snapshot.
	Rollback(ctx context.Context, workflowUUID string, version int, actor string) (*model.Workflow, error)

	// RunNow queues a manual run, or stages upload directly when it is not nil.
	RunNow(ctx context.Context, workflowUUID string, upload *Upload, actor string) (*model.WorkflowRun, error)
	// Cancel stops a queued or running run.
	Cancel(ctx context.Context, runUUID string) (*model.WorkflowRun, error)
	// PreviewSchedule returns the next n fire times of the workflow's cron expression.
	PreviewSchedule(ctx context.Context, workflowUUID string, n int) ([]string, error)
}

// RunExplorer queries run metadata.
type RunExplorer interface {
	GetRun(ctx context.Context, runUUID string) (*model.WorkflowRun, error)
	// ListRuns returns the latest runs of a workflow, newest first.
	ListRuns(ctx context.Context, workflowUUID string, limit int) ([]*model.WorkflowRun, error)
	ListLogs(ctx context.Context, runUUID string) ([]*model.WorkflowRunLog, error)
	// ListItems returns the staged items of a run; an empty status lists all of them.
	ListItems(ctx context.Context, runUUID string, status model.RawItemStatus) ([]*model.RawItem, error)
}

// RunLauncher starts and stops runs. It is implemented by the orchestrator.
type RunLauncher interface {
	TriggerRun(ctx context.Context, workflowUUID string, trigger model.TriggerType, actor string) (*model.WorkflowRun, error)
	StageUpload(ctx context.Context, workflowUUID string, data []byte, formatType, actor string) (*model.WorkflowRun, error)
	Cancel(ctx context.Context, runUUID string) (*model.WorkflowRun, error)
}
