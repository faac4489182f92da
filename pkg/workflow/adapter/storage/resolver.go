package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/fx"

	storageConfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/config"
	coreConfig "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// Resolver dispatches connection names to the provider of their configured type.
type Resolver struct {
	section   map[string]interface{}
	mu        sync.RWMutex
	providers map[string]StorageProvider
}

var _ StorageConnectionResolver = (*Resolver)(nil)

// NewResolver creates a Resolver over the given providers.
func NewResolver(cfg *coreConfig.Config, providers ...StorageProvider) *Resolver {
	r := &Resolver{section: cfg.Entiflow.Storage, providers: make(map[string]StorageProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider, replacing any provider of the same type.
func (r *Resolver) Register(p StorageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// ResolveStorageConnection implements StorageConnectionResolver.
func (r *Resolver) ResolveStorageConnection(ctx context.Context, name string) (StorageConnection, error) {
	cfg, err := storageConfig.Lookup(r.section, name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	p, ok := r.providers[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage provider registered for type '%s' (connection '%s')", cfg.Type, name)
	}
	return p.GetConnection(ctx, name)
}

// CloseAll closes every provider's connections.
func (r *Resolver) CloseAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for t, p := range r.providers {
		if err := p.CloseAll(); err != nil {
			logger.Warnf("Failed to close %s storage connections: %v", t, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ResolverParams collects the providers contributed by backend modules.
type ResolverParams struct {
	fx.In
	Config    *coreConfig.Config
	Providers []StorageProvider `group:"storage_providers"`
	Lifecycle fx.Lifecycle
}

// NewResolverFromParams builds the Resolver for fx and closes connections on stop.
func NewResolverFromParams(p ResolverParams) *Resolver {
	r := NewResolver(p.Config, p.Providers...)
	p.Lifecycle.Append(fx.Hook{OnStop: func(context.Context) error { return r.CloseAll() }})
	return r
}

// Module provides the Resolver as StorageConnectionResolver.
var Module = fx.Options(
	fx.Provide(
		NewResolverFromParams,
		func(r *Resolver) StorageConnectionResolver { return r },
	),
)
