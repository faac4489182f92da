package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	metrics "github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of metrics.MetricRecorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	// Run metrics
	runStatusCounter   *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec

	// Fetch metrics
	fetchBytes           *prometheus.CounterVec
	fetchRecords         *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec

	// Item metrics
	itemProcessedCounter *prometheus.CounterVec
	itemDurationSeconds  *prometheus.HistogramVec
	itemFailedCounter    *prometheus.CounterVec
	itemSkippedCounter   *prometheus.CounterVec

	entityWriteCounter *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a PrometheusRecorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_run_status_total",
			Help: "Workflow runs by status transition.",
		}, []string{"workflow", "status"}),
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entiflow_run_duration_seconds",
			Help:    "Duration of finished workflow runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "status"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_fetch_bytes_total",
			Help: "Bytes read from sources.",
		}, []string{"workflow"}),
		fetchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_fetch_records_total",
			Help: "Records parsed from fetched payloads.",
		}, []string{"workflow"}),
		fetchDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entiflow_fetch_duration_seconds",
			Help:    "Duration of fetch-and-stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
		itemProcessedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_item_processed_total",
			Help: "Raw items processed successfully.",
		}, []string{"workflow"}),
		itemDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entiflow_item_duration_seconds",
			Help:    "Processing time of successful raw items.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"workflow"}),
		itemFailedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_item_failed_total",
			Help: "Raw items that failed, by error kind.",
		}, []string{"workflow", "reason"}),
		itemSkippedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_item_skipped_total",
			Help: "Raw items skipped because their run had stopped.",
		}, []string{"workflow"}),
		entityWriteCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entiflow_entity_write_total",
			Help: "Dynamic entity writes by type and operation.",
		}, []string{"entity_type", "op"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entiflow_operation_duration_seconds",
			Help:    "Duration of named operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}

	registry.MustRegister(
		r.runStatusCounter,
		r.runDurationSeconds,
		r.fetchBytes,
		r.fetchRecords,
		r.fetchDurationSeconds,
		r.itemProcessedCounter,
		r.itemDurationSeconds,
		r.itemFailedCounter,
		r.itemSkippedCounter,
		r.entityWriteCounter,
		r.operationDuration,
	)
	return r
}

// Registry returns the Prometheus registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordRunStart implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordRunStart(_ context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	r.runStatusCounter.WithLabelValues(wf.Name, run.Status.String()).Inc()
	logger.Debugf("Metrics: run %s of '%s' started.", run.UUID, wf.Name)
}

// RecordRunEnd implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordRunEnd(_ context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	r.runStatusCounter.WithLabelValues(wf.Name, run.Status.String()).Inc()
	if d := run.Duration(); d > 0 {
		r.runDurationSeconds.WithLabelValues(wf.Name, run.Status.String()).Observe(d.Seconds())
	}
	logger.Debugf("Metrics: run %s of '%s' ended with %s in %s.", run.UUID, wf.Name, run.Status, run.Duration())
}

// RecordFetch implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordFetch(_ context.Context, workflowUUID string, bytes int64, records int, duration time.Duration) {
	r.fetchBytes.WithLabelValues(workflowUUID).Add(float64(bytes))
	r.fetchRecords.WithLabelValues(workflowUUID).Add(float64(records))
	r.fetchDurationSeconds.WithLabelValues(workflowUUID).Observe(duration.Seconds())
}

// RecordItemProcessed implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordItemProcessed(_ context.Context, workflowUUID string, duration time.Duration) {
	r.itemProcessedCounter.WithLabelValues(workflowUUID).Inc()
	r.itemDurationSeconds.WithLabelValues(workflowUUID).Observe(duration.Seconds())
}

// RecordItemFailed implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordItemFailed(_ context.Context, workflowUUID string, reason string) {
	r.itemFailedCounter.WithLabelValues(workflowUUID, reason).Inc()
}

// RecordItemSkipped implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordItemSkipped(_ context.Context, workflowUUID string) {
	r.itemSkippedCounter.WithLabelValues(workflowUUID).Inc()
}

// RecordEntityWrite implements metrics.MetricRecorder.
func (r *PrometheusRecorder) RecordEntityWrite(_ context.Context, entityType string, op string) {
	r.entityWriteCounter.WithLabelValues(entityType, op).Inc()
}

// RecordDuration implements metrics.MetricRecorder. Tags are not used as labels to keep the
// series count bounded.
func (r *PrometheusRecorder) RecordDuration(_ context.Context, name string, duration time.Duration, _ map[string]string) {
	r.operationDuration.WithLabelValues(name).Observe(duration.Seconds())
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
