package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	metrics "github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const (
	BackendPrometheus = "prometheus"
	BackendOTel       = "otel"
)

func newTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	tp, shutdown, err := InitTracerProvider(context.Background(), cfg.Entiflow.Tracing)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return tp, nil
}

func newTracer(tp trace.TracerProvider) metrics.Tracer {
	return NewOpenTelemetryTracer(tp)
}

type recorderResult struct {
	fx.Out
	Recorder   metrics.MetricRecorder
	Prometheus *PrometheusRecorder // nil unless the prometheus backend is active.
}

func newRecorder(lc fx.Lifecycle, cfg *config.Config) (recorderResult, error) {
	mc := cfg.Entiflow.Metrics
	if !mc.Enabled {
		return recorderResult{Recorder: metrics.NewNoOpMetricRecorder()}, nil
	}
	switch mc.Backend {
	case BackendOTel:
		mp, shutdown, err := InitMeterProvider(context.Background(), cfg.Entiflow.Tracing)
		if err != nil {
			return recorderResult{}, err
		}
		lc.Append(fx.Hook{OnStop: shutdown})
		rec, err := NewOTelRecorder(mp.Meter("github.com/tigerroll/entiflow"))
		if err != nil {
			return recorderResult{}, err
		}
		return recorderResult{Recorder: rec}, nil
	default:
		rec := NewPrometheusRecorder()
		return recorderResult{Recorder: rec, Prometheus: rec}, nil
	}
}

// registerMetricsServer serves /metrics on metrics.listen_addr for the prometheus backend.
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, prom *PrometheusRecorder) {
	if prom == nil || cfg.Entiflow.Metrics.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Addr: cfg.Entiflow.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("Metrics server stopped: %v", err)
				}
			}()
			logger.Infof("Serving metrics on %s/metrics.", srv.Addr)
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// Module provides the MetricRecorder and Tracer selected by configuration and serves the
// Prometheus endpoint when that backend is active.
var Module = fx.Options(
	fx.Provide(newTracerProvider, newTracer, newRecorder),
	fx.Invoke(registerMetricsServer),
)
