package metrics

import (
	"context"
	"time"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// --- Run Listener ---

type MetricsRunListener struct {
	recorder metrics.MetricRecorder
}

func NewMetricsRunListener(recorder metrics.MetricRecorder) port.RunListener {
	return &MetricsRunListener{recorder: recorder}
}

func (l *MetricsRunListener) BeforeRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	l.recorder.RecordRunStart(ctx, wf, run)
}

func (l *MetricsRunListener) AfterRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	l.recorder.RecordRunEnd(ctx, wf, run)
}

var _ port.RunListener = (*MetricsRunListener)(nil)

// --- Item Listener ---

type MetricsItemListener struct {
	recorder metrics.MetricRecorder
}

func NewMetricsItemListener(recorder metrics.MetricRecorder) port.ItemListener {
	return &MetricsItemListener{recorder: recorder}
}

func (l *MetricsItemListener) AfterItem(ctx context.Context, wf *model.Workflow, item *model.RawItem, err error, duration time.Duration) {
	switch item.Status {
	case model.RawItemProcessed:
		l.recorder.RecordItemProcessed(ctx, wf.UUID, duration)
	case model.RawItemFailed:
		l.recorder.RecordItemFailed(ctx, wf.UUID, string(exception.KindOf(err)))
	case model.RawItemSkipped:
		l.recorder.RecordItemSkipped(ctx, wf.UUID)
	}
}

var _ port.ItemListener = (*MetricsItemListener)(nil)
