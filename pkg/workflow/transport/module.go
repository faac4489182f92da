package transport

import (
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// NewRegistryFromConfig builds the default registry with the workflow HTTP settings.
func NewRegistryFromConfig(cfg *config.Config, resolver storage.StorageConnectionResolver) *Registry {
	wf := cfg.Entiflow.Workflow
	return DefaultRegistry(Env{
		Storage:    resolver,
		APIBaseURL: wf.APIBaseURL,
		Timeout:    time.Duration(wf.HTTPTimeoutSeconds) * time.Second,
	})
}

// Module provides the transport Registry.
var Module = fx.Options(
	fx.Provide(NewRegistryFromConfig),
)
