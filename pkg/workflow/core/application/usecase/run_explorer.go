package usecase

import (
	"context"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// DefaultRunListLimit is used by ListRuns when no positive limit is given.
const DefaultRunListLimit = 50

// SimpleRunExplorer is a simple implementation of the RunExplorer interface.
// It queries run metadata using a Repository.
type SimpleRunExplorer struct {
	repo repository.Repository
}

var _ RunExplorer = (*SimpleRunExplorer)(nil)

// NewSimpleRunExplorer creates a new instance of SimpleRunExplorer.
func NewSimpleRunExplorer(repo repository.Repository) *SimpleRunExplorer {
	return &SimpleRunExplorer{repo: repo}
}

// GetRun implements RunExplorer.
func (e *SimpleRunExplorer) GetRun(ctx context.Context, runUUID string) (*model.WorkflowRun, error) {
	logger.Debugf("RunExplorer: GetRun called. Run ID: %s", runUUID)
	return e.repo.FindRunByUUID(ctx, runUUID)
}

// ListRuns implements RunExplorer.
func (e *SimpleRunExplorer) ListRuns(ctx context.Context, workflowUUID string, limit int) ([]*model.WorkflowRun, error) {
	if limit <= 0 {
		limit = DefaultRunListLimit
	}
	if _, err := e.repo.FindWorkflowByUUID(ctx, workflowUUID); err != nil {
		return nil, err
	}
	runs, err := e.repo.ListRunsByWorkflow(ctx, workflowUUID, limit)
	if err != nil {
		return nil, err
	}
	logger.Debugf("RunExplorer: Retrieved %d runs of workflow '%s'.", len(runs), workflowUUID)
	return runs, nil
}

// ListLogs implements RunExplorer.
func (e *SimpleRunExplorer) ListLogs(ctx context.Context, runUUID string) ([]*model.WorkflowRunLog, error) {
	if _, err := e.repo.FindRunByUUID(ctx, runUUID); err != nil {
		return nil, err
	}
	return e.repo.ListLogsByRun(ctx, runUUID)
}

// ListItems implements RunExplorer.
func (e *SimpleRunExplorer) ListItems(ctx context.Context, runUUID string, status model.RawItemStatus) ([]*model.RawItem, error) {
	if _, err := e.repo.FindRunByUUID(ctx, runUUID); err != nil {
		return nil, err
	}
	return e.repo.ListRawItemsByRun(ctx, runUUID, status)
}
