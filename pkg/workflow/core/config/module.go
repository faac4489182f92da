package config

import "go.uber.org/fx"

// NewLoggingConfigProvider exposes the logging section on its own.
func NewLoggingConfigProvider(cfg *Config) *LoggingConfig {
	return &cfg.Entiflow.System.Logging
}

// Module provides *Config (from an EmbeddedConfig supplied by the application) and its sections.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(NewOsEnvironmentExpander, fx.As(new(EnvironmentExpander))),
		NewConfigProvider,
		NewLoggingConfigProvider,
	),
)
