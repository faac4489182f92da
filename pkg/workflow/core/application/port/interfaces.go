// Package port defines the callback interfaces the orchestrator notifies while a run progresses.
package port

import (
	"context"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// RunListener observes run lifecycle transitions.
type RunListener interface {
	// BeforeRun is called once the run has been staged and moved to Running.
	BeforeRun(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun)
	// AfterRun is called once with the run in its terminal status.
	AfterRun(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun)
}

// ItemListener observes raw items as they settle.
type ItemListener interface {
	// AfterItem is called when an item reaches a final status. err is the processing failure of
	// a failed item and nil otherwise.
	AfterItem(ctx context.Context, workflow *model.Workflow, item *model.RawItem, err error, duration time.Duration)
}

// RunListenerFunc adapts a function to the AfterRun half of RunListener.
type RunListenerFunc func(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun)

// BeforeRun implements RunListener.
func (f RunListenerFunc) BeforeRun(context.Context, *model.Workflow, *model.WorkflowRun) {}

// AfterRun implements RunListener.
func (f RunListenerFunc) AfterRun(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun) {
	f(ctx, workflow, run)
}
