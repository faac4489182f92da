// Package metrics declares the observability ports used by the engine.
package metrics

import (
	"context"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// MetricRecorder records run and item level measurements.
type MetricRecorder interface {
	// RecordRunStart is called when a run transitions to Running.
	RecordRunStart(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun)
	// RecordRunEnd is called once a run reaches a terminal status.
	RecordRunEnd(ctx context.Context, workflow *model.Workflow, run *model.WorkflowRun)
	// RecordFetch records a source fetch with the number of bytes read and records parsed.
	RecordFetch(ctx context.Context, workflowUUID string, bytes int64, records int, duration time.Duration)
	// RecordItemProcessed counts a successfully processed raw item.
	RecordItemProcessed(ctx context.Context, workflowUUID string, duration time.Duration)
	// RecordItemFailed counts a failed raw item; reason is the error kind.
	RecordItemFailed(ctx context.Context, workflowUUID string, reason string)
	// RecordItemSkipped counts an item skipped because its run was no longer running.
	RecordItemSkipped(ctx context.Context, workflowUUID string)
	// RecordEntityWrite counts an entity insert ("create") or update ("update").
	RecordEntityWrite(ctx context.Context, entityType string, op string)
	// RecordDuration records an arbitrary named duration.
	RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string)
}
