package gorm

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// ConnectionResolver is the gorm implementation of database.DBConnectionResolver.
type ConnectionResolver struct {
	providers map[string]database.DBProvider // Keyed by dialect.
	cfg       *config.Config
}

var _ database.DBConnectionResolver = (*ConnectionResolver)(nil)

// ResolverParams are the fx inputs of NewConnectionResolverFromParams.
type ResolverParams struct {
	fx.In
	Providers []database.DBProvider `group:"db_providers"`
	Cfg       *config.Config
	Lifecycle fx.Lifecycle
}

// NewConnectionResolver creates a resolver over providers.
func NewConnectionResolver(cfg *config.Config, providers ...database.DBProvider) *ConnectionResolver {
	providerMap := make(map[string]database.DBProvider, len(providers))
	for _, p := range providers {
		providerMap[p.Type()] = p
	}
	return &ConnectionResolver{providers: providerMap, cfg: cfg}
}

// NewConnectionResolverFromParams builds the resolver for fx and closes every provider on stop.
func NewConnectionResolverFromParams(p ResolverParams) *ConnectionResolver {
	r := NewConnectionResolver(p.Cfg, p.Providers...)
	p.Lifecycle.Append(fx.Hook{OnStop: func(context.Context) error { return r.CloseAll() }})
	return r
}

// ResolveDBConnection resolves the named connection. A connection that fails to ping is re-opened once.
//
// Parameters:
//
//	ctx: The context for the operation.
//	name: The name of the database connection to resolve.
//
// Returns:
//
//	The resolved connection, or an error if lookup or reconnection fails.
func (r *ConnectionResolver) ResolveDBConnection(ctx context.Context, name string) (database.DBConnection, error) {
	dbConfig, err := dbconfig.Lookup(r.cfg.Entiflow.Database, name)
	if err != nil {
		return nil, fmt.Errorf("DBConnectionResolver: %w", err)
	}
	provider, ok := r.providers[dbConfig.Type]
	if !ok {
		return nil, fmt.Errorf("DBConnectionResolver: DBProvider for type '%s' not found for connection '%s'", dbConfig.Type, name)
	}

	conn, err := provider.GetConnection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("DBConnectionResolver: failed to get connection '%s': %w", name, err)
	}
	if pingErr := conn.RefreshConnection(ctx); pingErr != nil {
		logger.Warnf("DBConnectionResolver: connection '%s' is invalid (%v). Attempting to reconnect.", name, pingErr)
		reconnected, err := provider.ForceReconnect(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("DBConnectionResolver: failed to reconnect connection '%s': %w", name, err)
		}
		logger.Infof("DBConnectionResolver: successfully reconnected connection '%s'.", name)
		return reconnected, nil
	}
	return conn, nil
}

// CloseAll closes the connections of every provider.
func (r *ConnectionResolver) CloseAll() error {
	var errs *multierror.Error
	for _, p := range r.providers {
		if err := p.CloseAll(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
