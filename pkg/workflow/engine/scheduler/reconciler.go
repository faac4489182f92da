package scheduler

import (
	"context"
	"sync"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// RunTrigger starts workflow runs. The orchestrator implements it.
type RunTrigger interface {
	TriggerRun(ctx context.Context, workflowUUID string, trigger model.TriggerType, actor string) (*model.WorkflowRun, error)
}

// DefaultReconcileInterval is used when the configured interval is not positive.
const DefaultReconcileInterval = 30 * time.Second

// Reconciler keeps the scheduler's job set equal to the schedulable workflows in the repository.
type Reconciler struct {
	repo     repository.WorkflowRepository
	sched    Scheduler
	trigger  RunTrigger
	interval time.Duration

	mu      sync.Mutex
	baseCtx context.Context
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo repository.WorkflowRepository, sched Scheduler, trigger RunTrigger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		repo:     repo,
		sched:    sched,
		trigger:  trigger,
		interval: interval,
		baseCtx:  context.Background(),
	}
}

// Schedulable reports whether wf belongs in the cron scheduler. Disabled workflows, workflows
// without a cron expression and push-only API workflows are excluded.
func Schedulable(wf *model.Workflow) bool {
	if !wf.Enabled || wf.Cron() == "" {
		return false
	}
	return !dsl.CheckHasAPIEndpoint(wf.Config)
}

// DesiredJobs returns the workflow id to cron mapping the scheduler should hold.
// Workflows with an unparsable expression are logged and left out.
func (r *Reconciler) DesiredJobs(ctx context.Context) (map[string]string, error) {
	wfs, err := r.repo.ListScheduledWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(wfs))
	for _, wf := range wfs {
		if !Schedulable(wf) {
			continue
		}
		if err := ValidateCron(wf.Cron()); err != nil {
			logger.Warnf("Workflow %s has an invalid schedule and is not scheduled: %v", wf.UUID, err)
			continue
		}
		out[wf.UUID] = wf.Cron()
	}
	return out, nil
}

// ReconcileOnce applies one diff between the live jobs and the repository.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	current, err := r.DesiredJobs(ctx)
	if err != nil {
		return err
	}
	toRemove, toAdd := ComputeReconcileActions(r.sched.Jobs(), current)
	for _, id := range toRemove {
		r.sched.RemoveJob(id)
		logger.Infof("Unscheduled workflow %s.", id)
	}
	for _, spec := range toAdd {
		if err := r.sched.AddJob(spec.WorkflowID, spec.Cron, r.fire(spec.WorkflowID)); err != nil {
			logger.Warnf("Failed to schedule workflow %s: %v", spec.WorkflowID, err)
			continue
		}
		logger.Infof("Scheduled workflow %s at '%s'.", spec.WorkflowID, spec.Cron)
	}
	if len(toRemove) > 0 || len(toAdd) > 0 {
		logger.Debugf("Reconciled scheduler: %d removed, %d added or updated, %d live.", len(toRemove), len(toAdd), len(r.sched.Jobs()))
	}
	return nil
}

func (r *Reconciler) fire(workflowUUID string) func() {
	return func() {
		r.mu.Lock()
		ctx := r.baseCtx
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		run, err := r.trigger.TriggerRun(ctx, workflowUUID, model.TriggerCron, "")
		if err != nil {
			logger.Errorf("Scheduled trigger of workflow %s failed: %v", workflowUUID, err)
			return
		}
		logger.Infof("Scheduled run %s of workflow %s queued.", run.UUID, workflowUUID)
	}
}

// Run reconciles immediately and then on every interval tick until ctx is done.
// Scheduled triggers run under ctx; once it is done, jobs still firing are dropped.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	if err := r.ReconcileOnce(ctx); err != nil {
		logger.Errorf("Scheduler reconciliation failed: %v", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				logger.Errorf("Scheduler reconciliation failed: %v", err)
			}
		}
	}
}
