package orchestrator

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// recoverBatch bounds the runs and items handled by one RecoverStalled call.
const recoverBatch = 500

// RecoverStalled resumes work whose job was lost: a broker that dropped it, a worker that
// crashed mid-item, or a job that ran out of attempts. Queued runs older than olderThan get a
// new fetch job, pending items of Running runs older than olderThan get a new process job, and
// Running runs whose items have all settled are finalized. Every step is idempotent, so a sweep
// that races the regular workers does no harm. It returns the number of jobs enqueued plus runs
// finalized.
func (o *Orchestrator) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	before := time.Now().UTC().Add(-olderThan)
	recovered := 0
	var errs error

	runs, err := o.repo.ListStalledRuns(ctx, before, recoverBatch)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		switch run.Status {
		case model.RunStatusQueued:
			ok, err := o.requeueRun(ctx, run)
			if err != nil {
				errs = multierror.Append(errs, err)
			} else if ok {
				recovered++
			}
		case model.RunStatusRunning:
			ok, err := o.Finalize(ctx, run.UUID)
			if err != nil {
				errs = multierror.Append(errs, err)
			} else if ok {
				recovered++
			}
		}
	}

	items, err := o.repo.ListStalledRawItems(ctx, before, recoverBatch)
	if err != nil {
		return recovered, multierror.Append(errs, err)
	}
	if len(items) > 0 {
		jobs := make([]queue.ProcessRawItemJob, len(items))
		for i, item := range items {
			jobs[i] = queue.ProcessRawItemJob{RunUUID: item.RunUUID, RawItemUUID: item.UUID}
		}
		if err := o.queue.EnqueueProcess(ctx, jobs...); err != nil {
			return recovered, multierror.Append(errs, err)
		}
		recovered += len(jobs)
		logger.Warnf("Recovery: %d stalled item(s) re-enqueued.", len(jobs))
	}
	return recovered, errs
}

// requeueRun enqueues a new fetch job for a Queued run. Upload and pushed runs carry data that
// was never persisted, so they are failed instead.
func (o *Orchestrator) requeueRun(ctx context.Context, run *model.WorkflowRun) (bool, error) {
	if run.Trigger == model.TriggerUpload || run.Trigger == model.TriggerAPI {
		wf, _ := o.repo.FindWorkflowByUUID(ctx, run.WorkflowUUID)
		o.failRun(ctx, wf, run.UUID, []model.RunStatus{model.RunStatusQueued},
			exception.New(exception.InternalError, moduleName, "staging was interrupted", nil))
		return false, nil
	}
	if err := o.queue.EnqueueFetch(ctx, queue.FetchAndStageJob{RunUUID: run.UUID, WorkflowUUID: run.WorkflowUUID}); err != nil {
		return false, err
	}
	logger.Warnf("Recovery: fetch job of queued run %s re-enqueued.", run.UUID)
	return true, nil
}
