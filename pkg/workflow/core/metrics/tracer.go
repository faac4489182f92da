package metrics

import (
	"context"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// Tracer opens spans around run and item processing.
type Tracer interface {
	// StartRunSpan starts a span for a run stage (e.g. "fetch_and_stage"). Call the returned func to end it.
	StartRunSpan(ctx context.Context, stage string, run *model.WorkflowRun) (context.Context, func())
	// StartItemSpan starts a span for one raw item.
	StartItemSpan(ctx context.Context, item *model.RawItem) (context.Context, func())
	// RecordError attaches err to the current span.
	RecordError(ctx context.Context, module string, err error)
	// RecordEvent adds a named event to the current span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
