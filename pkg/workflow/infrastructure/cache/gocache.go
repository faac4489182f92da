// Package cache implements cache.Manager on patrickmn/go-cache.
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/fx"

	corecache "github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const (
	defaultTTL             = 5 * time.Minute
	defaultCleanupInterval = 10 * time.Minute
)

// GoCacheManager is an in-process TTL cache.
type GoCacheManager struct {
	cache *gocache.Cache
}

var _ corecache.Manager = (*GoCacheManager)(nil)

// NewGoCacheManager creates a manager. Non-positive durations select the defaults.
func NewGoCacheManager(ttl, cleanupInterval time.Duration) *GoCacheManager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	return &GoCacheManager{cache: gocache.New(ttl, cleanupInterval)}
}

// Get implements cache.Manager.
func (m *GoCacheManager) Get(key string) (interface{}, bool) {
	return m.cache.Get(key)
}

// Set implements cache.Manager.
func (m *GoCacheManager) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.cache.Set(key, value, ttl)
}

// Delete implements cache.Manager.
func (m *GoCacheManager) Delete(key string) {
	m.cache.Delete(key)
}

// DeletePrefix implements cache.Manager.
func (m *GoCacheManager) DeletePrefix(prefix string) {
	for key := range m.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			m.cache.Delete(key)
		}
	}
}

// Flush drops every entry.
func (m *GoCacheManager) Flush() {
	m.cache.Flush()
}

// NewManagerFromConfig builds the manager from infrastructure.cache.
func NewManagerFromConfig(cfg *config.Config) corecache.Manager {
	c := cfg.Entiflow.Infrastructure.Cache
	ttl := time.Duration(c.DefaultTTLSeconds) * time.Second
	cleanup := time.Duration(c.CleanupIntervalSeconds) * time.Second
	logger.Debugf("Cache manager: ttl=%s cleanup=%s.", ttl, cleanup)
	return NewGoCacheManager(ttl, cleanup)
}

// Module provides the cache.Manager.
var Module = fx.Options(
	fx.Provide(NewManagerFromConfig),
)
