package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// MetricEvent is a metric call queued for the background worker.
type MetricEvent struct {
	Type         string
	Workflow     *model.Workflow
	Run          *model.WorkflowRun
	WorkflowUUID string
	Name         string // Entity type or duration name.
	Reason       string // Failure kind or entity write op.
	Bytes        int64
	Count        int
	Duration     time.Duration
	Tags         map[string]string
}

// Metric event type constants
const (
	MetricEventTypeRunStart       = "run_start"
	MetricEventTypeRunEnd         = "run_end"
	MetricEventTypeFetch          = "fetch"
	MetricEventTypeItemProcessed  = "item_processed"
	MetricEventTypeItemFailed     = "item_failed"
	MetricEventTypeItemSkipped    = "item_skipped"
	MetricEventTypeEntityWrite    = "entity_write"
	MetricEventTypeRecordDuration = "record_duration"
)

// AsyncMetricRecorder queues metric calls on a channel and applies them to a synchronous
// recorder from one goroutine, so workers never block on metric backends. Events are dropped
// with a warning when the buffer is full.
type AsyncMetricRecorder struct {
	eventQueue   chan MetricEvent
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	syncRecorder metrics.MetricRecorder
}

var _ metrics.MetricRecorder = (*AsyncMetricRecorder)(nil)

// NewAsyncMetricRecorder starts the worker goroutine. A non-positive bufferSize means 256.
func NewAsyncMetricRecorder(bufferSize int, syncRec metrics.MetricRecorder) *AsyncMetricRecorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &AsyncMetricRecorder{
		eventQueue:   make(chan MetricEvent, bufferSize),
		stopCh:       make(chan struct{}),
		syncRecorder: syncRec,
	}
	r.wg.Add(1)
	go r.run()
	logger.Debugf("AsyncMetricRecorder: Worker goroutine started (buffer size: %d).", bufferSize)
	return r
}

func (r *AsyncMetricRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.eventQueue:
			r.processEvent(event)
		case <-r.stopCh:
			remaining := len(r.eventQueue)
			for i := 0; i < remaining; i++ {
				r.processEvent(<-r.eventQueue)
			}
			logger.Debugf("AsyncMetricRecorder: Worker goroutine stopped. Processed %d remaining events.", remaining)
			return
		}
	}
}

func (r *AsyncMetricRecorder) processEvent(event MetricEvent) {
	ctx := context.Background()
	switch event.Type {
	case MetricEventTypeRunStart:
		r.syncRecorder.RecordRunStart(ctx, event.Workflow, event.Run)
	case MetricEventTypeRunEnd:
		r.syncRecorder.RecordRunEnd(ctx, event.Workflow, event.Run)
	case MetricEventTypeFetch:
		r.syncRecorder.RecordFetch(ctx, event.WorkflowUUID, event.Bytes, event.Count, event.Duration)
	case MetricEventTypeItemProcessed:
		r.syncRecorder.RecordItemProcessed(ctx, event.WorkflowUUID, event.Duration)
	case MetricEventTypeItemFailed:
		r.syncRecorder.RecordItemFailed(ctx, event.WorkflowUUID, event.Reason)
	case MetricEventTypeItemSkipped:
		r.syncRecorder.RecordItemSkipped(ctx, event.WorkflowUUID)
	case MetricEventTypeEntityWrite:
		r.syncRecorder.RecordEntityWrite(ctx, event.Name, event.Reason)
	case MetricEventTypeRecordDuration:
		r.syncRecorder.RecordDuration(ctx, event.Name, event.Duration, event.Tags)
	default:
		logger.Warnf("AsyncMetricRecorder: Unknown metric event type: %s", event.Type)
	}
}

func (r *AsyncMetricRecorder) enqueue(event MetricEvent) {
	select {
	case <-r.stopCh:
		return
	default:
	}
	select {
	case r.eventQueue <- event:
	default:
		logger.Warnf("AsyncMetricRecorder: Event queue is full, dropping %s event.", event.Type)
	}
}

// Close stops the worker after it has applied the queued events.
func (r *AsyncMetricRecorder) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *AsyncMetricRecorder) RecordRunStart(_ context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	snapshot := *run
	r.enqueue(MetricEvent{Type: MetricEventTypeRunStart, Workflow: wf, Run: &snapshot})
}

func (r *AsyncMetricRecorder) RecordRunEnd(_ context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	snapshot := *run
	r.enqueue(MetricEvent{Type: MetricEventTypeRunEnd, Workflow: wf, Run: &snapshot})
}

func (r *AsyncMetricRecorder) RecordFetch(_ context.Context, workflowUUID string, bytes int64, records int, duration time.Duration) {
	r.enqueue(MetricEvent{Type: MetricEventTypeFetch, WorkflowUUID: workflowUUID, Bytes: bytes, Count: records, Duration: duration})
}

func (r *AsyncMetricRecorder) RecordItemProcessed(_ context.Context, workflowUUID string, duration time.Duration) {
	r.enqueue(MetricEvent{Type: MetricEventTypeItemProcessed, WorkflowUUID: workflowUUID, Duration: duration})
}

func (r *AsyncMetricRecorder) RecordItemFailed(_ context.Context, workflowUUID string, reason string) {
	r.enqueue(MetricEvent{Type: MetricEventTypeItemFailed, WorkflowUUID: workflowUUID, Reason: reason})
}

func (r *AsyncMetricRecorder) RecordItemSkipped(_ context.Context, workflowUUID string) {
	r.enqueue(MetricEvent{Type: MetricEventTypeItemSkipped, WorkflowUUID: workflowUUID})
}

func (r *AsyncMetricRecorder) RecordEntityWrite(_ context.Context, entityType string, op string) {
	r.enqueue(MetricEvent{Type: MetricEventTypeEntityWrite, Name: entityType, Reason: op})
}

func (r *AsyncMetricRecorder) RecordDuration(_ context.Context, name string, duration time.Duration, tags map[string]string) {
	r.enqueue(MetricEvent{Type: MetricEventTypeRecordDuration, Name: name, Duration: duration, Tags: tags})
}

// NewAsyncMetricRecorderWrapper decorates the provided MetricRecorder and stops the worker with
// the application.
func NewAsyncMetricRecorderWrapper(lc fx.Lifecycle, rec metrics.MetricRecorder) metrics.MetricRecorder {
	if _, ok := rec.(*metrics.NoOpMetricRecorder); ok {
		return rec
	}
	async := NewAsyncMetricRecorder(0, rec)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			async.Close()
			return nil
		},
	})
	return async
}
