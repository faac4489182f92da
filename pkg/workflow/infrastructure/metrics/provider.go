package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(ctx context.Context) error

func noShutdown(context.Context) error { return nil }

const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterNone     = "none"
)

func newResource(cfg config.TracingConfig) *resource.Resource {
	name := cfg.ServiceName
	if name == "" {
		name = "entiflow"
	}
	return resource.NewSchemaless(attribute.String("service.name", name))
}

// normalizeEndpoint strips a scheme, the OTLP exporters take host:port.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func exporterKind(cfg config.TracingConfig) string {
	kind := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if kind == "" {
		return ExporterNone
	}
	return kind
}

// InitTracerProvider builds the process tracer provider. Disabled tracing, or the "none"
// exporter, yields a no-op provider.
func InitTracerProvider(ctx context.Context, cfg config.TracingConfig) (trace.TracerProvider, ShutdownFunc, error) {
	kind := exporterKind(cfg)
	if !cfg.Enabled || kind == ExporterNone {
		return noop.NewTracerProvider(), noShutdown, nil
	}
	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil, fmt.Errorf("tracing endpoint cannot be empty")
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch kind {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter '%s'", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			_ = tp.Shutdown(ctx)
			return fmt.Errorf("force flush tracing provider: %w", err)
		}
		return tp.Shutdown(ctx)
	}, nil
}

// InitMeterProvider builds an OTLP meter provider. It shares the collector endpoint and
// exporter protocol of the tracing section.
func InitMeterProvider(ctx context.Context, cfg config.TracingConfig) (*sdkmetric.MeterProvider, ShutdownFunc, error) {
	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil, fmt.Errorf("otel metrics need tracing.endpoint")
	}
	var (
		exp sdkmetric.Exporter
		err error
	)
	switch exporterKind(cfg) {
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err = otlpmetrichttp.New(ctx, opts...)
	default:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(newResource(cfg)),
	)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}
