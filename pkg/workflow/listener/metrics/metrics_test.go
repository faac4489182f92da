package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

type countingRecorder struct {
	metrics.NoOpMetricRecorder
	mu     sync.Mutex
	calls  []string
	reason string
}

func (r *countingRecorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *countingRecorder) RecordRunStart(context.Context, *model.Workflow, *model.WorkflowRun) {
	r.add("run_start")
}

func (r *countingRecorder) RecordRunEnd(context.Context, *model.Workflow, *model.WorkflowRun) {
	r.add("run_end")
}

func (r *countingRecorder) RecordItemProcessed(context.Context, string, time.Duration) {
	r.add("processed")
}

func (r *countingRecorder) RecordItemFailed(_ context.Context, _ string, reason string) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
	r.add("failed")
}

func (r *countingRecorder) RecordItemSkipped(context.Context, string) {
	r.add("skipped")
}

func (r *countingRecorder) RecordEntityWrite(context.Context, string, string) {
	r.add("entity_write")
}

func TestMetricsListeners(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	wf := &model.Workflow{UUID: "wf"}
	run := &model.WorkflowRun{UUID: "run"}

	runListener := NewMetricsRunListener(rec)
	runListener.BeforeRun(ctx, wf, run)
	runListener.AfterRun(ctx, wf, run)

	items := NewMetricsItemListener(rec)
	items.AfterItem(ctx, wf, &model.RawItem{Status: model.RawItemProcessed}, nil, time.Millisecond)
	items.AfterItem(ctx, wf, &model.RawItem{Status: model.RawItemFailed},
		exception.New(exception.PersistenceConflict, "entity", "duplicate", nil), 0)
	items.AfterItem(ctx, wf, &model.RawItem{Status: model.RawItemSkipped}, nil, 0)

	assert.Equal(t, []string{"run_start", "run_end", "processed", "failed", "skipped"}, rec.calls)
	assert.Equal(t, "PersistenceConflict", rec.reason)
}

func TestAsyncMetricRecorderFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	async := NewAsyncMetricRecorder(16, rec)

	wf := &model.Workflow{UUID: "wf"}
	run := &model.WorkflowRun{UUID: "run"}
	async.RecordRunStart(ctx, wf, run)
	async.RecordItemProcessed(ctx, "wf", time.Millisecond)
	async.RecordItemFailed(ctx, "wf", "ValidationError")
	async.RecordEntityWrite(ctx, "product", "create")
	async.RecordRunEnd(ctx, wf, run)
	async.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"run_start", "processed", "failed", "entity_write", "run_end"}, rec.calls)
	assert.Equal(t, "ValidationError", rec.reason)

	// Calls after Close are dropped without blocking.
	async.RecordItemSkipped(ctx, "wf")
	async.Close()
}

func TestAsyncMetricRecorderDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	rec := &blockingRecorder{block: block}
	async := NewAsyncMetricRecorder(1, rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			async.RecordDuration(context.Background(), "x", time.Millisecond, nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recording blocked on a full queue")
	}
	close(block)
	async.Close()
	assert.Less(t, rec.count(), 10)
}

type blockingRecorder struct {
	metrics.NoOpMetricRecorder
	block chan struct{}
	mu    sync.Mutex
	n     int
}

func (r *blockingRecorder) RecordDuration(context.Context, string, time.Duration, map[string]string) {
	<-r.block
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *blockingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
