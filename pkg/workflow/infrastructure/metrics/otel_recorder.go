package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	metrics "github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
)

// OTelRecorder records measurements through an OpenTelemetry meter.
type OTelRecorder struct {
	runs          metric.Int64Counter
	runDuration   metric.Float64Histogram
	fetchBytes    metric.Int64Counter
	fetchRecords  metric.Int64Counter
	fetchDuration metric.Float64Histogram
	itemProcessed metric.Int64Counter
	itemDuration  metric.Float64Histogram
	itemFailed    metric.Int64Counter
	itemSkipped   metric.Int64Counter
	entityWrites  metric.Int64Counter
	operations    metric.Float64Histogram
}

// NewOTelRecorder creates the instruments on meter.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	r := &OTelRecorder{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.runs, "entiflow.run.status", "Workflow runs by status transition."},
		{&r.fetchBytes, "entiflow.fetch.bytes", "Bytes read from sources."},
		{&r.fetchRecords, "entiflow.fetch.records", "Records parsed from fetched payloads."},
		{&r.itemProcessed, "entiflow.item.processed", "Raw items processed successfully."},
		{&r.itemFailed, "entiflow.item.failed", "Raw items that failed, by error kind."},
		{&r.itemSkipped, "entiflow.item.skipped", "Raw items skipped because their run had stopped."},
		{&r.entityWrites, "entiflow.entity.write", "Dynamic entity writes by type and operation."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&r.runDuration, "entiflow.run.duration", "Duration of finished workflow runs."},
		{&r.fetchDuration, "entiflow.fetch.duration", "Duration of fetch-and-stage."},
		{&r.itemDuration, "entiflow.item.duration", "Processing time of successful raw items."},
		{&r.operations, "entiflow.operation.duration", "Duration of named operations."},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s")); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *OTelRecorder) RecordRunStart(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", wf.Name), attribute.String("status", run.Status.String())))
}

func (r *OTelRecorder) RecordRunEnd(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	attrs := metric.WithAttributes(attribute.String("workflow", wf.Name), attribute.String("status", run.Status.String()))
	r.runs.Add(ctx, 1, attrs)
	if d := run.Duration(); d > 0 {
		r.runDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (r *OTelRecorder) RecordFetch(ctx context.Context, workflowUUID string, bytes int64, records int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("workflow", workflowUUID))
	r.fetchBytes.Add(ctx, bytes, attrs)
	r.fetchRecords.Add(ctx, int64(records), attrs)
	r.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *OTelRecorder) RecordItemProcessed(ctx context.Context, workflowUUID string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("workflow", workflowUUID))
	r.itemProcessed.Add(ctx, 1, attrs)
	r.itemDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *OTelRecorder) RecordItemFailed(ctx context.Context, workflowUUID string, reason string) {
	r.itemFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowUUID), attribute.String("reason", reason)))
}

func (r *OTelRecorder) RecordItemSkipped(ctx context.Context, workflowUUID string) {
	r.itemSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowUUID)))
}

func (r *OTelRecorder) RecordEntityWrite(ctx context.Context, entityType string, op string) {
	r.entityWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", entityType), attribute.String("op", op)))
}

func (r *OTelRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(tags)+1)
	attrs = append(attrs, attribute.String("name", name))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	r.operations.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

var _ metrics.MetricRecorder = (*OTelRecorder)(nil)
