package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/scheduler"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const moduleName = "workflow_service"

// DefaultWorkflowService is the default implementation of WorkflowService.
type DefaultWorkflowService struct {
	repo      repository.WorkflowRepository
	validator *Validator
	launcher  RunLauncher
	now       func() time.Time
}

var _ WorkflowService = (*DefaultWorkflowService)(nil)

// NewDefaultWorkflowService creates a new instance of DefaultWorkflowService.
func NewDefaultWorkflowService(repo repository.WorkflowRepository, validator *Validator, launcher RunLauncher) *DefaultWorkflowService {
	return &DefaultWorkflowService{repo: repo, validator: validator, launcher: launcher, now: time.Now}
}

// Create implements WorkflowService.
func (s *DefaultWorkflowService) Create(ctx context.Context, wf *model.Workflow) error {
	if err := s.validator.Validate(wf); err != nil {
		return err
	}
	if err := s.repo.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	logger.Infof("WorkflowService: Workflow '%s' (%s) created by '%s'.", wf.Name, wf.UUID, wf.CreatedBy)
	return nil
}

// Update implements WorkflowService. wf.Version must be the version the caller read.
func (s *DefaultWorkflowService) Update(ctx context.Context, wf *model.Workflow) error {
	if err := s.validator.Validate(wf); err != nil {
		return err
	}
	err := s.repo.UpdateWorkflow(ctx, wf)
	if errors.Is(err, repository.ErrWorkflowNotFound) {
		return exception.Newf(exception.ValidationError, moduleName, "workflow '%s' does not exist", wf.UUID, err)
	}
	if exception.IsOptimisticLockingFailure(err) {
		logger.Warnf("WorkflowService: Concurrent update of workflow '%s' rejected.", wf.UUID)
	}
	if err != nil {
		return err
	}
	logger.Infof("WorkflowService: Workflow '%s' updated to version %d by '%s'.", wf.UUID, wf.Version, wf.UpdatedBy)
	return nil
}

// Delete implements WorkflowService.
func (s *DefaultWorkflowService) Delete(ctx context.Context, workflowUUID string) error {
	if err := s.repo.DeleteWorkflow(ctx, workflowUUID); err != nil {
		return err
	}
	logger.Infof("WorkflowService: Workflow '%s' deleted.", workflowUUID)
	return nil
}

// Get implements WorkflowService.
func (s *DefaultWorkflowService) Get(ctx context.Context, workflowUUID string) (*model.Workflow, error) {
	return s.repo.FindWorkflowByUUID(ctx, workflowUUID)
}

// List implements WorkflowService.
func (s *DefaultWorkflowService) List(ctx context.Context) ([]*model.Workflow, error) {
	return s.repo.ListWorkflows(ctx)
}

// Versions implements WorkflowService.
func (s *DefaultWorkflowService) Versions(ctx context.Context, workflowUUID string) ([]*model.WorkflowVersion, error) {
	return s.repo.ListWorkflowVersions(ctx, workflowUUID)
}

type snapshot struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Kind               string          `json:"kind"`
	Enabled            bool            `json:"enabled"`
	ScheduleCron       *string         `json:"schedule_cron"`
	Config             json.RawMessage `json:"config"`
	VersioningDisabled bool            `json:"versioning_disabled"`
}

// Rollback implements WorkflowService. The restored definition is validated again and
// written as a new version, so the rollback itself can be rolled back.
func (s *DefaultWorkflowService) Rollback(ctx context.Context, workflowUUID string, version int, actor string) (*model.Workflow, error) {
	current, err := s.repo.FindWorkflowByUUID(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.FindWorkflowVersion(ctx, workflowUUID, version)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(v.Data, &snap); err != nil {
		return nil, exception.Newf(exception.InternalError, moduleName, "snapshot %d of workflow '%s' is corrupt", version, workflowUUID, err)
	}

	restored := *current
	restored.Name = snap.Name
	restored.Description = snap.Description
	restored.Kind = model.WorkflowKind(snap.Kind)
	restored.Enabled = snap.Enabled
	restored.ScheduleCron = snap.ScheduleCron
	restored.Config = model.RawJSON(snap.Config)
	restored.VersioningDisabled = snap.VersioningDisabled
	restored.UpdatedBy = actor
	if err := s.Update(ctx, &restored); err != nil {
		return nil, err
	}
	logger.Infof("WorkflowService: Workflow '%s' rolled back to version %d.", workflowUUID, version)
	return &restored, nil
}

// RunNow implements WorkflowService.
func (s *DefaultWorkflowService) RunNow(ctx context.Context, workflowUUID string, upload *Upload, actor string) (*model.WorkflowRun, error) {
	if upload != nil {
		logger.Infof("WorkflowService: Staging upload of %d bytes for workflow '%s'.", len(upload.Data), workflowUUID)
		return s.launcher.StageUpload(ctx, workflowUUID, upload.Data, upload.FormatType, actor)
	}
	logger.Infof("WorkflowService: Manual run of workflow '%s' requested by '%s'.", workflowUUID, actor)
	return s.launcher.TriggerRun(ctx, workflowUUID, model.TriggerManual, actor)
}

// Cancel implements WorkflowService.
func (s *DefaultWorkflowService) Cancel(ctx context.Context, runUUID string) (*model.WorkflowRun, error) {
	return s.launcher.Cancel(ctx, runUUID)
}

// PreviewSchedule implements WorkflowService.
func (s *DefaultWorkflowService) PreviewSchedule(ctx context.Context, workflowUUID string, n int) ([]string, error) {
	wf, err := s.repo.FindWorkflowByUUID(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if wf.Cron() == "" {
		return nil, exception.Newf(exception.ValidationError, moduleName, "workflow '%s' has no schedule", workflowUUID)
	}
	return scheduler.PreviewNext(wf.Cron(), n, s.now())
}
