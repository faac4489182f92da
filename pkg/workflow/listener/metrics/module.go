package metrics

import (
	"go.uber.org/fx"
)

// Module makes the recorder asynchronous and contributes the metrics listeners.
var Module = fx.Options(
	// infrastructure/metrics provides the synchronous recorder; it is replaced here.
	fx.Decorate(NewAsyncMetricRecorderWrapper),
	fx.Provide(fx.Annotate(NewMetricsRunListener, fx.ResultTags(`group:"runListeners"`))),
	fx.Provide(fx.Annotate(NewMetricsItemListener, fx.ResultTags(`group:"itemListeners"`))),
)
