package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	storageConfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/config"
	coreConfig "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// OpenFunc opens a connection for a decoded storage config.
type OpenFunc func(ctx context.Context, name string, cfg storageConfig.StorageConfig) (StorageConnection, error)

// CachingProvider is a StorageProvider that opens each named connection once.
type CachingProvider struct {
	providerType string
	section      map[string]interface{}
	open         OpenFunc

	mu          sync.Mutex
	connections map[string]StorageConnection
}

var _ StorageProvider = (*CachingProvider)(nil)

// NewCachingProvider creates a provider for providerType backed by open.
func NewCachingProvider(cfg *coreConfig.Config, providerType string, open OpenFunc) *CachingProvider {
	return &CachingProvider{
		providerType: providerType,
		section:      cfg.Entiflow.Storage,
		open:         open,
		connections:  make(map[string]StorageConnection),
	}
}

// Type implements StorageProvider.
func (p *CachingProvider) Type() string { return p.providerType }

// GetConnection implements StorageProvider.
func (p *CachingProvider) GetConnection(ctx context.Context, name string) (StorageConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.connections[name]; ok {
		return conn, nil
	}
	cfg, err := storageConfig.Lookup(p.section, name)
	if err != nil {
		return nil, err
	}
	if cfg.Type != p.providerType {
		return nil, fmt.Errorf("storage connection '%s' has type '%s', provider handles '%s'", name, cfg.Type, p.providerType)
	}
	conn, err := p.open(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage connection '%s': %w", p.providerType, name, err)
	}
	p.connections[name] = conn
	logger.Debugf("Opened %s storage connection '%s'.", p.providerType, name)
	return conn, nil
}

// CloseAll implements StorageProvider.
func (p *CachingProvider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var merr *multierror.Error
	for name, conn := range p.connections {
		if err := conn.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close %s storage connection '%s': %w", p.providerType, name, err))
		}
		delete(p.connections, name)
	}
	return merr.ErrorOrNil()
}
