// Package orchestrator drives workflow runs through Queued -> Running -> terminal.
//
// A run is staged by one FetchAndStage job, which turns the fetched records into raw items and
// enqueues one ProcessRawItem job per item. Item jobs settle their item exactly once through a
// conditional pending -> final transition, so a redelivered job is a no-op. The worker whose
// settlement completes the staged count finalizes the run with a conditional Running -> terminal
// update. RecoverStalled re-enqueues work whose job was lost.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/core/tx"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

const moduleName = "orchestrator"

// Policy holds the run-level settings of workflow.* configuration.
type Policy struct {
	// FailOnAllItemsFailed ends a run as Failed when it staged items and every one failed.
	// Otherwise a completed run is Success regardless of item failures.
	FailOnAllItemsFailed bool
	// MaxItemsPerRun caps the staged records; excess records are dropped. 0 means unlimited.
	MaxItemsPerRun int
}

// Dependencies are the collaborators of an Orchestrator. Recorder, Tracer and Tx are optional.
type Dependencies struct {
	Repo          repository.Repository
	Tx            tx.TransactionManager
	Queue         queue.Queue
	Formats       *format.Registry
	Transports    *transport.Registry
	Resolver      *entity.Resolver
	Lookups       dsl.ExternalResolver
	Recorder      metrics.MetricRecorder
	Tracer        metrics.Tracer
	RunListeners  []port.RunListener
	ItemListeners []port.ItemListener
}

// Orchestrator executes workflow runs. It implements queue.Handler.
type Orchestrator struct {
	repo          repository.Repository
	tx            tx.TransactionManager
	queue         queue.Queue
	formats       *format.Registry
	transports    *transport.Registry
	resolver      *entity.Resolver
	lookups       dsl.ExternalResolver
	recorder      metrics.MetricRecorder
	tracer        metrics.Tracer
	runListeners  []port.RunListener
	itemListeners []port.ItemListener
	policy        Policy
}

var _ queue.Handler = (*Orchestrator)(nil)

// New creates an Orchestrator.
func New(deps Dependencies, policy Policy) *Orchestrator {
	o := &Orchestrator{
		repo:          deps.Repo,
		tx:            deps.Tx,
		queue:         deps.Queue,
		formats:       deps.Formats,
		transports:    deps.Transports,
		resolver:      deps.Resolver,
		lookups:       deps.Lookups,
		recorder:      deps.Recorder,
		tracer:        deps.Tracer,
		runListeners:  deps.RunListeners,
		itemListeners: deps.ItemListeners,
		policy:        policy,
	}
	if o.tx == nil {
		o.tx = passthroughTx{}
	}
	if o.recorder == nil {
		o.recorder = metrics.NewNoOpMetricRecorder()
	}
	if o.tracer == nil {
		o.tracer = metrics.NewNoOpTracer()
	}
	if o.formats == nil {
		o.formats = format.DefaultRegistry()
	}
	if o.lookups == nil && o.resolver != nil {
		o.lookups = entity.NewLookupResolver(o.resolver)
	}
	return o
}

type passthroughTx struct{}

func (passthroughTx) Do(ctx context.Context, fn func(ctx context.Context) error, _ ...*sql.TxOptions) error {
	return fn(ctx)
}

// CheckHasAPIEndpoint reports whether wf only accepts pushed data (an "api" source without an
// endpoint). Such workflows are never scheduled and cannot be fetched.
func (o *Orchestrator) CheckHasAPIEndpoint(wf *model.Workflow) bool {
	return dsl.CheckHasAPIEndpoint(wf.Config)
}

// TriggerRun creates a Queued run of the workflow and enqueues its fetch job.
// Cron triggers of disabled workflows are refused, and push-only workflows cannot be triggered
// without data (see StageInbound).
func (o *Orchestrator) TriggerRun(ctx context.Context, workflowUUID string, trigger model.TriggerType, actor string) (*model.WorkflowRun, error) {
	wf, prog, err := o.loadWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if trigger == model.TriggerCron && !wf.Enabled {
		return nil, exception.Newf(exception.ConfigError, moduleName, "workflow %s is disabled", wf.UUID)
	}
	if prog.CheckHasAPIEndpoint() {
		return nil, exception.Newf(exception.ConfigError, moduleName,
			"workflow %s only accepts pushed data; its api source has no endpoint", wf.UUID)
	}

	run := model.NewWorkflowRun(wf.UUID, trigger, actor)
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.appendLog(ctx, run.UUID, model.LogLevelInfo, "Run queued", map[string]interface{}{
		"trigger": string(trigger), "actor": actor,
	})
	job := queue.FetchAndStageJob{RunUUID: run.UUID, WorkflowUUID: wf.UUID}
	if err := o.queue.EnqueueFetch(ctx, job); err != nil {
		o.failRun(ctx, wf, run.UUID, []model.RunStatus{model.RunStatusQueued}, err)
		return nil, err
	}
	logger.Infof("Run %s of workflow '%s' queued (trigger: %s).", run.UUID, wf.Name, trigger)
	return run, nil
}

// Cancel marks a Queued or Running run as Cancelled. In-flight items finish; items processed
// afterwards are skipped.
func (o *Orchestrator) Cancel(ctx context.Context, runUUID string) (*model.WorkflowRun, error) {
	ok, err := o.repo.TransitionStatus(ctx, runUUID,
		[]model.RunStatus{model.RunStatusQueued, model.RunStatusRunning}, model.RunStatusCancelled, "cancelled")
	if err != nil {
		return nil, err
	}
	run, err := o.repo.FindRunByUUID(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return run, exception.Newf(exception.ValidationError, moduleName, "run %s is already %s", runUUID, run.Status)
	}
	o.appendLog(ctx, runUUID, model.LogLevelWarn, "Run cancelled", nil)
	logger.Infof("Run %s cancelled.", runUUID)
	if wf, err := o.repo.FindWorkflowByUUID(ctx, run.WorkflowUUID); err == nil {
		o.afterRun(ctx, wf, run)
	}
	return run, nil
}

// HandleFetchAndStage implements queue.Handler.
func (o *Orchestrator) HandleFetchAndStage(ctx context.Context, job queue.FetchAndStageJob) error {
	return o.FetchAndStage(ctx, job.RunUUID)
}

// HandleProcessRawItem implements queue.Handler. Any error from ProcessItem left the item
// pending, so it is always handed back to the queue for redelivery.
func (o *Orchestrator) HandleProcessRawItem(ctx context.Context, job queue.ProcessRawItemJob) error {
	err := o.ProcessItem(ctx, job.RawItemUUID)
	if err == nil || exception.IsRetryable(err) {
		return err
	}
	return exception.New(exception.KindOf(err), moduleName, "item "+job.RawItemUUID+" left pending", err).WithRetryable(true)
}

func (o *Orchestrator) loadWorkflow(ctx context.Context, workflowUUID string) (*model.Workflow, *dsl.Program, error) {
	wf, err := o.repo.FindWorkflowByUUID(ctx, workflowUUID)
	if err != nil {
		return nil, nil, err
	}
	prog, err := dsl.Parse(wf.Config)
	if err != nil {
		return wf, nil, exception.Newf(exception.ConfigError, moduleName, "workflow %s has an invalid program", wf.UUID, err)
	}
	return wf, prog, nil
}

// failRun moves the run from one of the given states to Failed and notifies listeners.
// wf may be nil when the workflow no longer exists.
func (o *Orchestrator) failRun(ctx context.Context, wf *model.Workflow, runUUID string, from []model.RunStatus, cause error) {
	msg := exception.ExtractErrorMessage(cause)
	ok, err := o.repo.TransitionStatus(ctx, runUUID, from, model.RunStatusFailed, msg)
	if err != nil {
		logger.Errorf("Failed to mark run %s as failed: %v", runUUID, err)
		return
	}
	if !ok {
		return
	}
	o.appendLog(ctx, runUUID, model.LogLevelError, "Run failed: "+msg, map[string]interface{}{
		"kind": string(exception.KindOf(cause)),
	})
	logger.Errorf("Run %s failed: %v", runUUID, cause)
	if wf == nil {
		return
	}
	if run, err := o.repo.FindRunByUUID(ctx, runUUID); err == nil {
		o.afterRun(ctx, wf, run)
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, runUUID string, level model.LogLevel, msg string, meta map[string]interface{}) {
	if err := o.repo.AppendLog(ctx, model.NewRunLog(runUUID, level, msg, meta)); err != nil {
		logger.Warnf("Failed to append log to run %s: %v", runUUID, err)
	}
}

func (o *Orchestrator) beforeRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	for _, l := range o.runListeners {
		l.BeforeRun(ctx, wf, run)
	}
}

func (o *Orchestrator) afterRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	for _, l := range o.runListeners {
		l.AfterRun(ctx, wf, run)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrRunNotFound) ||
		errors.Is(err, repository.ErrRawItemNotFound) ||
		errors.Is(err, repository.ErrWorkflowNotFound)
}
