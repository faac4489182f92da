package listener

import (
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/listener/logging"
	"github.com/tigerroll/entiflow/pkg/workflow/listener/metrics"
)

// Module aggregates the run and item listeners of the engine.
var Module = fx.Options(
	logging.Module,
	metrics.Module,
)
