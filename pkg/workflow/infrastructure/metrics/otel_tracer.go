package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	metrics "github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// OpenTelemetryTracer is an implementation of metrics.Tracer using OpenTelemetry.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
}

// NewOpenTelemetryTracer creates a tracer from provider.
func NewOpenTelemetryTracer(provider trace.TracerProvider) *OpenTelemetryTracer {
	return &OpenTelemetryTracer{tracer: provider.Tracer("github.com/tigerroll/entiflow")}
}

// StartRunSpan starts a span for one stage of a run.
func (t *OpenTelemetryTracer) StartRunSpan(ctx context.Context, stage string, run *model.WorkflowRun) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "run."+stage, trace.WithAttributes(
		attribute.String("run.uuid", run.UUID),
		attribute.String("workflow.uuid", run.WorkflowUUID),
		attribute.String("run.trigger", string(run.Trigger)),
	))
	logger.Debugf("Tracer: span run.%s started for run %s.", stage, run.UUID)
	return ctx, func() { span.End() }
}

// StartItemSpan starts a span for one raw item.
func (t *OpenTelemetryTracer) StartItemSpan(ctx context.Context, item *model.RawItem) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, "item.process", trace.WithAttributes(
		attribute.String("run.uuid", item.RunUUID),
		attribute.String("item.uuid", item.UUID),
		attribute.Int("item.seq", item.Seq),
	))
	return ctx, func() { span.End() }
}

// RecordError records an error in the current span.
func (t *OpenTelemetryTracer) RecordError(ctx context.Context, module string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(
		attribute.String("module", module),
		attribute.String("error.kind", string(exception.KindOf(err))),
	))
	span.SetStatus(codes.Error, exception.ExtractErrorMessage(err))
}

// RecordEvent records an event in the current span.
func (t *OpenTelemetryTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch x := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, x))
		case int:
			attrs = append(attrs, attribute.Int(k, x))
		case int64:
			attrs = append(attrs, attribute.Int64(k, x))
		case float64:
			attrs = append(attrs, attribute.Float64(k, x))
		case bool:
			attrs = append(attrs, attribute.Bool(k, x))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(x)))
		}
	}
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

var _ metrics.Tracer = (*OpenTelemetryTracer)(nil)
