package orchestrator

import (
	"context"
	"fmt"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// ProcessItem transforms one raw item and writes its sinks. Item failures are recorded on the
// item and the run log and never returned; the returned error is an infrastructure failure that
// left the item pending. Items of a run that is no longer Running are skipped.
func (o *Orchestrator) ProcessItem(ctx context.Context, rawItemUUID string) error {
	item, err := o.repo.FindRawItemByUUID(ctx, rawItemUUID)
	if isNotFound(err) {
		logger.Warnf("Process job for unknown item %s dropped.", rawItemUUID)
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status.IsFinal() {
		// A previous delivery may have settled the item and failed before finalizing.
		logger.Debugf("Item %s is already %s; job ignored.", item.UUID, item.Status)
		_, err := o.Finalize(ctx, item.RunUUID)
		return err
	}
	run, err := o.repo.FindRunByUUID(ctx, item.RunUUID)
	if err != nil {
		return err
	}
	wf, prog, err := o.loadWorkflow(ctx, run.WorkflowUUID)
	if err != nil && wf == nil && !isNotFound(err) {
		return err
	}

	start := time.Now()
	if run.Status != model.RunStatusRunning {
		return o.settle(ctx, wf, run, item, model.RawItemSkipped, nil, start)
	}

	ctx, end := o.tracer.StartItemSpan(ctx, item)
	defer end()

	if err == nil {
		err = o.execute(entity.WithActor(ctx, run.Actor()), wf, prog, run, item)
	}
	if err != nil {
		o.tracer.RecordError(ctx, moduleName, err)
		return o.settle(ctx, wf, run, item, model.RawItemFailed, err, start)
	}
	return o.settle(ctx, wf, run, item, model.RawItemProcessed, nil, start)
}

// execute evaluates the program against the item and writes every sink.
func (o *Orchestrator) execute(ctx context.Context, wf *model.Workflow, prog *dsl.Program, run *model.WorkflowRun, item *model.RawItem) error {
	res, err := prog.Evaluate(ctx, map[string]interface{}(item.Payload), o.lookups)
	if err != nil {
		return err
	}
	for _, sink := range res.Sinks {
		switch sink.To.Type {
		case dsl.ToEntity:
			err = o.persist(ctx, wf, run, sink)
		case dsl.ToFormat:
			err = o.push(ctx, sink)
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", sink.StepIndex+1, err)
		}
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun, sink dsl.Sink) error {
	if o.resolver == nil {
		return exception.New(exception.ConfigError, moduleName, "entity sinks need an entity resolver", nil)
	}
	outcome, err := o.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
		EntityType:     sink.To.EntityDefinition,
		Produced:       sink.Record,
		Path:           sink.To.Path,
		RunUUID:        run.UUID,
		Actor:          run.TriggeredBy,
		UpdateKey:      sink.To.UpdateKey,
		SkipVersioning: wf.VersioningDisabled,
		Published:      sink.To.Published,
	})
	if err != nil {
		return err
	}
	op := "unchanged"
	switch {
	case outcome.Created:
		op = "create"
	case outcome.Updated:
		op = "update"
	}
	o.recorder.RecordEntityWrite(ctx, sink.To.EntityDefinition, op)
	return nil
}

func (o *Orchestrator) push(ctx context.Context, sink dsl.Sink) error {
	if sink.To.Format == nil || sink.To.Output == nil || sink.To.Output.Destination == nil {
		return exception.New(exception.ConfigError, moduleName, "format sink needs a format and an output destination", nil)
	}
	h, err := o.formats.Get(sink.To.Format.FormatType)
	if err != nil {
		return err
	}
	data, err := h.Serialize([]format.Record{sink.Record}, sink.To.Format.Options)
	if err != nil {
		return err
	}
	dst, err := o.transports.NewDestination(sink.To.Output.Destination)
	if err != nil {
		return err
	}
	return dst.Push(ctx, data, h.ContentType(sink.To.Format.Options))
}

// settle moves the item to its final status and adds it to the run counters in one
// transaction. Only the first settlement of an item counts. It then tries to finalize the run.
func (o *Orchestrator) settle(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun, item *model.RawItem, status model.RawItemStatus, cause error, start time.Time) error {
	errMsg := exception.ExtractErrorMessage(cause)
	settled := false
	err := o.tx.Do(ctx, func(ctx context.Context) error {
		ok, err := o.repo.TransitionRawItem(ctx, item.UUID, status, errMsg)
		if err != nil || !ok {
			return err
		}
		settled = true
		var processed, failed, skipped int
		switch status {
		case model.RawItemProcessed:
			processed = 1
		case model.RawItemFailed:
			failed = 1
			entry := model.NewRunLog(run.UUID, model.LogLevelError, fmt.Sprintf("Item #%d failed: %s", item.Seq+1, errMsg), map[string]interface{}{
				"raw_item_uuid": item.UUID,
				"seq":           item.Seq,
				"kind":          string(exception.KindOf(cause)),
			})
			if err := o.repo.AppendLog(ctx, entry); err != nil {
				return err
			}
		case model.RawItemSkipped:
			skipped = 1
		}
		return o.repo.IncrementCounters(ctx, run.UUID, processed, failed, skipped)
	})
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	item.Status = status
	item.Error = errMsg
	if wf != nil {
		duration := time.Since(start)
		for _, l := range o.itemListeners {
			l.AfterItem(ctx, wf, item, cause, duration)
		}
	}
	if status == model.RawItemFailed {
		logger.Warnf("Run %s: item #%d failed: %v", run.UUID, item.Seq+1, cause)
	}
	_, err = o.Finalize(ctx, run.UUID)
	return err
}

// Finalize moves a Running run whose staged items have all settled to its terminal status.
// It returns true for the single caller whose conditional update succeeded.
func (o *Orchestrator) Finalize(ctx context.Context, runUUID string) (bool, error) {
	run, err := o.repo.FindRunByUUID(ctx, runUUID)
	if err != nil {
		return false, err
	}
	if run.Status != model.RunStatusRunning || run.Settled() < run.StagedItems {
		return false, nil
	}

	to, errMsg := model.RunStatusSuccess, ""
	if o.policy.FailOnAllItemsFailed && run.StagedItems > 0 && run.FailedItems == run.StagedItems {
		to, errMsg = model.RunStatusFailed, fmt.Sprintf("all %d item(s) failed", run.FailedItems)
	}
	ok, err := o.repo.TransitionStatus(ctx, runUUID, []model.RunStatus{model.RunStatusRunning}, to, errMsg)
	if err != nil || !ok {
		return false, err
	}

	level := model.LogLevelInfo
	if to == model.RunStatusFailed {
		level = model.LogLevelError
	}
	o.appendLog(ctx, runUUID, level, "Run finished", map[string]interface{}{
		"status":    string(to),
		"processed": run.ProcessedItems,
		"failed":    run.FailedItems,
		"skipped":   run.SkippedItems,
	})
	logger.Infof("Run %s finished: %s (processed %d, failed %d, skipped %d).",
		runUUID, to, run.ProcessedItems, run.FailedItems, run.SkippedItems)

	final, err := o.repo.FindRunByUUID(ctx, runUUID)
	if err != nil {
		return true, err
	}
	wf, err := o.repo.FindWorkflowByUUID(ctx, final.WorkflowUUID)
	if err == nil {
		o.afterRun(ctx, wf, final)
	}
	return true, nil
}
