package format

import "go.uber.org/fx"

// Module provides the registry of built-in handlers.
var Module = fx.Options(
	fx.Provide(DefaultRegistry),
)
