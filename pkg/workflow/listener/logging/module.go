package logging

import (
	"go.uber.org/fx"
)

// Module contributes the logging listeners to the orchestrator's listener groups.
var Module = fx.Options(
	fx.Provide(fx.Annotate(NewLoggingRunListener, fx.ResultTags(`group:"runListeners"`))),
	fx.Provide(fx.Annotate(NewLoggingItemListener, fx.ResultTags(`group:"itemListeners"`))),
)
