package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// NoOpMetricRecorder discards all measurements.
type NoOpMetricRecorder struct{}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// NewNoOpMetricRecorder creates a NoOpMetricRecorder.
func NewNoOpMetricRecorder() *NoOpMetricRecorder { return &NoOpMetricRecorder{} }

func (NoOpMetricRecorder) RecordRunStart(context.Context, *model.Workflow, *model.WorkflowRun) {}
func (NoOpMetricRecorder) RecordRunEnd(context.Context, *model.Workflow, *model.WorkflowRun)   {}
func (NoOpMetricRecorder) RecordFetch(context.Context, string, int64, int, time.Duration)     {}
func (NoOpMetricRecorder) RecordItemProcessed(context.Context, string, time.Duration)         {}
func (NoOpMetricRecorder) RecordItemFailed(context.Context, string, string)                   {}
func (NoOpMetricRecorder) RecordItemSkipped(context.Context, string)                          {}
func (NoOpMetricRecorder) RecordEntityWrite(context.Context, string, string)                  {}
func (NoOpMetricRecorder) RecordDuration(context.Context, string, time.Duration, map[string]string) {
}

// NoOpTracer creates no spans.
type NoOpTracer struct{}

var _ Tracer = (*NoOpTracer)(nil)

// NewNoOpTracer creates a NoOpTracer.
func NewNoOpTracer() *NoOpTracer { return &NoOpTracer{} }

func (NoOpTracer) StartRunSpan(ctx context.Context, _ string, _ *model.WorkflowRun) (context.Context, func()) {
	return ctx, func() {}
}
func (NoOpTracer) StartItemSpan(ctx context.Context, _ *model.RawItem) (context.Context, func()) {
	return ctx, func() {}
}
func (NoOpTracer) RecordError(context.Context, string, error)                  {}
func (NoOpTracer) RecordEvent(context.Context, string, map[string]interface{}) {}
