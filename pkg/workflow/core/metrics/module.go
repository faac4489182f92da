package metrics

import "go.uber.org/fx"

// NoOpModule provides no-op recorder and tracer implementations.
var NoOpModule = fx.Options(
	fx.Provide(
		fx.Annotate(NewNoOpMetricRecorder, fx.As(new(MetricRecorder))),
		fx.Annotate(NewNoOpTracer, fx.As(new(Tracer))),
	),
)
