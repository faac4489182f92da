// Package repository declares the persistence ports of the workflow engine.
// Implementations live under infrastructure/repository.
package repository

import (
	"context"
	"errors"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

var (
	// ErrWorkflowNotFound is returned when no workflow matches the given UUID.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowVersionNotFound is returned when no snapshot matches.
	ErrWorkflowVersionNotFound = errors.New("workflow version not found")
	// ErrRunNotFound is returned when no run matches the given UUID.
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrRawItemNotFound is returned when no raw item matches the given UUID.
	ErrRawItemNotFound = errors.New("raw item not found")
)

// WorkflowRepository persists workflow definitions and their version history.
type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	// UpdateWorkflow snapshots the stored definition into version history, then writes wf
	// if its Version still matches the stored one. wf.Version is incremented on success.
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error
	FindWorkflowByUUID(ctx context.Context, uuid string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	// ListScheduledWorkflows returns enabled workflows that carry a cron expression.
	ListScheduledWorkflows(ctx context.Context) ([]*model.Workflow, error)
	DeleteWorkflow(ctx context.Context, uuid string) error
	ListWorkflowVersions(ctx context.Context, workflowUUID string) ([]*model.WorkflowVersion, error)
	FindWorkflowVersion(ctx context.Context, workflowUUID string, version int) (*model.WorkflowVersion, error)
}

// RunRepository persists workflow runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun) error
	FindRunByUUID(ctx context.Context, uuid string) (*model.WorkflowRun, error)
	ListRunsByWorkflow(ctx context.Context, workflowUUID string, limit int) ([]*model.WorkflowRun, error)
	// MarkRunning moves a Queued run to Running and records the staged item count.
	// It returns false when the run was no longer Queued.
	MarkRunning(ctx context.Context, runUUID string, staged int) (bool, error)
	// TransitionStatus moves the run to `to` only if its current status is one of `from`.
	// Terminal targets stamp finished_at. It returns false when no row matched.
	TransitionStatus(ctx context.Context, runUUID string, from []model.RunStatus, to model.RunStatus, errMsg string) (bool, error)
	// IncrementCounters atomically adds to the item counters.
	IncrementCounters(ctx context.Context, runUUID string, processed, failed, skipped int) error
	// PruneOlderThanDays deletes finished runs older than days with their items and logs.
	PruneOlderThanDays(ctx context.Context, days int) (int64, error)
	// PruneKeepLatestPerWorkflow keeps the newest keep runs of each workflow.
	PruneKeepLatestPerWorkflow(ctx context.Context, keep int) (int64, error)
	// ListStalledRuns returns queued runs older than queuedBefore and running runs whose
	// counters already cover every staged item.
	ListStalledRuns(ctx context.Context, queuedBefore time.Time, limit int) ([]*model.WorkflowRun, error)
}

// RawItemRepository persists staged records.
type RawItemRepository interface {
	CreateRawItems(ctx context.Context, items []*model.RawItem) error
	FindRawItemByUUID(ctx context.Context, uuid string) (*model.RawItem, error)
	// TransitionRawItem moves a pending item to a final status. It returns false when the item
	// was already final, which makes redelivered jobs no-ops.
	TransitionRawItem(ctx context.Context, uuid string, to model.RawItemStatus, errMsg string) (bool, error)
	ListRawItemsByRun(ctx context.Context, runUUID string, status model.RawItemStatus) ([]*model.RawItem, error)
	// ListStalledRawItems returns pending items of running runs staged before createdBefore.
	ListStalledRawItems(ctx context.Context, createdBefore time.Time, limit int) ([]*model.RawItem, error)
}

// RunLogRepository persists run log entries.
type RunLogRepository interface {
	AppendLog(ctx context.Context, entry *model.WorkflowRunLog) error
	ListLogsByRun(ctx context.Context, runUUID string) ([]*model.WorkflowRunLog, error)
}

// Repository aggregates every workflow persistence port.
type Repository interface {
	WorkflowRepository
	RunRepository
	RawItemRepository
	RunLogRepository
}
