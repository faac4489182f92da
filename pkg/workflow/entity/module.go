package entity

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	"github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// Params are the fx inputs of NewStoreFromConfig.
type Params struct {
	fx.In
	Cfg      *config.Config
	Resolver database.DBConnectionResolver
}

// NewStoreFromConfig resolves infrastructure.entity_db_ref and builds the store on it.
func NewStoreFromConfig(p Params) (*Store, *DefinitionStore, error) {
	ref := p.Cfg.Entiflow.Infrastructure.EntityDBRef
	conn, err := p.Resolver.ResolveDBConnection(context.Background(), ref)
	if err != nil {
		return nil, nil, exception.Newf(exception.ConfigError, moduleName, "cannot resolve entity connection '%s'", ref, err)
	}
	return NewStore(conn), NewDefinitionStore(conn), nil
}

func newCachedDefinitions(cfg *config.Config, store *DefinitionStore, c cache.Manager) *CachedDefinitionService {
	ttl := time.Duration(cfg.Entiflow.Infrastructure.Cache.DefaultTTLSeconds) * time.Second
	return NewCachedDefinitionService(store, c, ttl)
}

// Module provides the entity store, definition service, resolver and DSL lookup resolver.
var Module = fx.Options(
	fx.Provide(
		NewStoreFromConfig,
		newCachedDefinitions,
		func(s *CachedDefinitionService) DefinitionService { return s },
		NewResolver,
		NewLookupResolver,
		func(l *LookupResolver) dsl.ExternalResolver { return l },
	),
)
