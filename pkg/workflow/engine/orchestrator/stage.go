package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const defaultInboundFormat = "json"

var errRunLeftQueued = errors.New("run left queued during staging")

// FetchAndStage reads the records of a Queued run from its source, stages them as raw items,
// moves the run to Running and enqueues the item jobs. A fetch failure fails the run.
// Runs that are no longer Queued are left alone, so a redelivered job does nothing.
func (o *Orchestrator) FetchAndStage(ctx context.Context, runUUID string) error {
	run, err := o.repo.FindRunByUUID(ctx, runUUID)
	if isNotFound(err) {
		logger.Warnf("Fetch job for unknown run %s dropped.", runUUID)
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusQueued {
		logger.Debugf("Run %s is %s; fetch job ignored.", runUUID, run.Status)
		return nil
	}
	wf, prog, err := o.loadWorkflow(ctx, run.WorkflowUUID)
	if err != nil {
		if wf == nil && !isNotFound(err) {
			return err
		}
		o.failRun(ctx, wf, runUUID, []model.RunStatus{model.RunStatusQueued}, err)
		return nil
	}

	ctx, end := o.tracer.StartRunSpan(ctx, "fetch_and_stage", run)
	defer end()

	records, err := o.fetchRecords(ctx, wf, prog)
	if err != nil {
		o.tracer.RecordError(ctx, moduleName, err)
		o.failRun(ctx, wf, runUUID, []model.RunStatus{model.RunStatusQueued}, err)
		return nil
	}
	return o.stage(ctx, wf, run, records)
}

// StageUpload creates a run from an uploaded file instead of the workflow's source. The file is
// decoded with formatType, or with the format of the workflow's primary source when empty.
// When the file cannot be decoded the run is returned as Failed along with the error.
func (o *Orchestrator) StageUpload(ctx context.Context, workflowUUID string, data []byte, formatType, actor string) (*model.WorkflowRun, error) {
	wf, prog, err := o.loadWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	return o.stageData(ctx, wf, prog, model.TriggerUpload, actor, data, formatType)
}

// StageInbound creates a run from a body pushed to a push-only workflow.
func (o *Orchestrator) StageInbound(ctx context.Context, workflowUUID string, body []byte, actor string) (*model.WorkflowRun, error) {
	wf, prog, err := o.loadWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if !prog.CheckHasAPIEndpoint() {
		return nil, exception.Newf(exception.ConfigError, moduleName,
			"workflow %s fetches from its source and does not accept pushed data", wf.UUID)
	}
	if !wf.Enabled {
		return nil, exception.Newf(exception.ConfigError, moduleName, "workflow %s is disabled", wf.UUID)
	}
	return o.stageData(ctx, wf, prog, model.TriggerAPI, actor, body, "")
}

func (o *Orchestrator) stageData(ctx context.Context, wf *model.Workflow, prog *dsl.Program, trigger model.TriggerType, actor string, data []byte, formatType string) (*model.WorkflowRun, error) {
	run := model.NewWorkflowRun(wf.UUID, trigger, actor)
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.appendLog(ctx, run.UUID, model.LogLevelInfo, "Run queued", map[string]interface{}{
		"trigger": string(trigger), "actor": actor, "bytes": len(data),
	})

	records, err := o.decode(prog, data, formatType)
	if err == nil {
		err = o.stage(ctx, wf, run, records)
	}
	if err != nil {
		// The data is not kept, so a run that could not be staged cannot be retried.
		o.failRun(ctx, wf, run.UUID, []model.RunStatus{model.RunStatusQueued}, err)
	}
	if latest, ferr := o.repo.FindRunByUUID(ctx, run.UUID); ferr == nil {
		run = latest
	}
	return run, err
}

// decode parses data with formatType or the primary step's format.
func (o *Orchestrator) decode(prog *dsl.Program, data []byte, formatType string) ([]format.Record, error) {
	var opts format.Options
	if _, step := prog.PrimarySource(); step != nil && step.From.Format != nil {
		if formatType == "" {
			formatType = step.From.Format.FormatType
		}
		if formatType == step.From.Format.FormatType {
			opts = step.From.Format.Options
		}
	}
	if formatType == "" {
		formatType = defaultInboundFormat
	}
	h, err := o.formats.Get(formatType)
	if err != nil {
		return nil, err
	}
	return h.Parse(data, opts)
}

// fetchRecords reads the primary source: a source adapter decoded by a format handler, or
// dynamic entities for provider workflows.
func (o *Orchestrator) fetchRecords(ctx context.Context, wf *model.Workflow, prog *dsl.Program) ([]format.Record, error) {
	_, step := prog.PrimarySource()
	if step == nil {
		return nil, exception.New(exception.ConfigError, moduleName, "workflow has no source step", nil)
	}
	start := time.Now()
	if step.From.Type == dsl.FromEntity {
		if o.resolver == nil {
			return nil, exception.New(exception.ConfigError, moduleName, "entity sources need an entity resolver", nil)
		}
		records, err := o.resolver.ListEntities(ctx, step.From.EntityDefinition, step.From.Filter, step.From.Limit)
		if err != nil {
			return nil, err
		}
		o.recorder.RecordFetch(ctx, wf.UUID, 0, len(records), time.Since(start))
		return records, nil
	}

	if step.From.Format == nil {
		return nil, exception.New(exception.ConfigError, moduleName, "format source has no format", nil)
	}
	h, err := o.formats.Get(step.From.Format.FormatType)
	if err != nil {
		return nil, err
	}
	src, err := o.transports.NewSource(step.From.ResolvedSource())
	if err != nil {
		return nil, err
	}
	body, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, exception.New(exception.FetchError, moduleName, "failed to read source body", err).WithRetryable(true)
	}
	records, err := h.Parse(data, step.From.Format.Options)
	if err != nil {
		return nil, err
	}
	o.recorder.RecordFetch(ctx, wf.UUID, int64(len(data)), len(records), time.Since(start))
	return records, nil
}

// stage persists records as raw items, moves the run to Running and enqueues one job per item.
func (o *Orchestrator) stage(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun, records []format.Record) error {
	if limit := o.policy.MaxItemsPerRun; limit > 0 && len(records) > limit {
		dropped := len(records) - limit
		records = records[:limit]
		o.appendLog(ctx, run.UUID, model.LogLevelWarn, "Records beyond max_items_per_run dropped", map[string]interface{}{
			"dropped": dropped, "max_items_per_run": limit,
		})
		logger.Warnf("Run %s: %d record(s) beyond max_items_per_run=%d dropped.", run.UUID, dropped, limit)
	}

	items := make([]*model.RawItem, len(records))
	for i, rec := range records {
		items[i] = model.NewRawItem(run.UUID, i, rec)
	}
	err := o.tx.Do(ctx, func(ctx context.Context) error {
		if err := o.repo.CreateRawItems(ctx, items); err != nil {
			return err
		}
		ok, err := o.repo.MarkRunning(ctx, run.UUID, len(items))
		if err != nil {
			return err
		}
		if !ok {
			return errRunLeftQueued
		}
		return nil
	})
	switch {
	case errors.Is(err, errRunLeftQueued):
		logger.Infof("Run %s left Queued before staging completed; %d item(s) discarded.", run.UUID, len(items))
		return nil
	case exception.IsRetryable(err):
		// Nothing was staged; the redelivered fetch job starts over.
		return err
	case err != nil:
		o.failRun(ctx, wf, run.UUID, []model.RunStatus{model.RunStatusQueued}, err)
		return nil
	}
	running, err := o.repo.FindRunByUUID(ctx, run.UUID)
	if err != nil {
		return err
	}
	o.appendLog(ctx, run.UUID, model.LogLevelInfo, "Items staged", map[string]interface{}{"staged": len(items)})
	o.tracer.RecordEvent(ctx, "staged", map[string]interface{}{"items": len(items)})
	o.beforeRun(ctx, wf, running)

	if len(items) == 0 {
		_, err := o.Finalize(ctx, run.UUID)
		return err
	}
	jobs := make([]queue.ProcessRawItemJob, len(items))
	for i, item := range items {
		jobs[i] = queue.ProcessRawItemJob{RunUUID: run.UUID, RawItemUUID: item.UUID}
	}
	if err := o.queue.EnqueueProcess(ctx, jobs...); err != nil {
		o.failRun(ctx, wf, run.UUID, []model.RunStatus{model.RunStatusRunning}, err)
		return nil
	}
	logger.Infof("Run %s: %d item(s) staged.", run.UUID, len(items))
	return nil
}
