// Package gorm implements the database adapter on top of gorm: a dialector registry filled by the
// dialect subpackages, cached connection providers, a connection resolver and a transaction manager.
package gorm

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const moduleName = "database.gorm"

// DialectorFactory builds the gorm.Dialector of one database type.
type DialectorFactory func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error)

var (
	dialectorRegistry = make(map[string]DialectorFactory)
	dialectorMutex    sync.RWMutex
)

// RegisterDialector makes dbType usable in the database section. Dialect packages call it from init;
// a later registration replaces an earlier one.
func RegisterDialector(dbType string, factory DialectorFactory) {
	dialectorMutex.Lock()
	defer dialectorMutex.Unlock()
	if _, exists := dialectorRegistry[dbType]; exists {
		logger.Warnf("Database type '%s' registered twice; the last dialector wins.", dbType)
	}
	dialectorRegistry[dbType] = factory
}

// GetDialectorFactory returns the factory of dbType. An unknown type is a ConfigError: the
// binary was built without the dialect package.
func GetDialectorFactory(dbType string) (DialectorFactory, error) {
	dialectorMutex.RLock()
	defer dialectorMutex.RUnlock()
	factory, ok := dialectorRegistry[dbType]
	if !ok {
		return nil, exception.Newf(exception.ConfigError, moduleName, "database type '%s' is not compiled in", dbType)
	}
	return factory, nil
}

// Open establishes a gorm connection pool for cfg. sqlLevel is the gorm log level
// (SILENT, ERROR, WARN, INFO).
func Open(cfg dbconfig.DatabaseConfig, sqlLevel string) (*gorm.DB, error) {
	factory, err := GetDialectorFactory(cfg.Type)
	if err != nil {
		return nil, err
	}
	dialector, err := factory(cfg)
	if err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "invalid %s settings", cfg.Type, err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  NewGormLogger(sqlLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, exception.Newf(exception.InternalError, moduleName, "cannot open %s database", cfg.Type, err).WithRetryable(true)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, exception.New(exception.InternalError, moduleName, "gorm returned no sql.DB", err)
	}

	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	}
	return db, nil
}

// BaseProvider opens the named connections of one database type lazily and keeps them
// for the life of the process. Dialect packages embed it.
type BaseProvider struct {
	cfg    *config.Config
	dbType string

	connections map[string]database.DBConnection // keyed by the name under entiflow.database
	mu          sync.RWMutex
}

var _ database.DBProvider = (*BaseProvider)(nil)

// NewBaseProvider creates a BaseProvider for dbType.
func NewBaseProvider(cfg *config.Config, dbType string) *BaseProvider {
	return &BaseProvider{
		cfg:         cfg,
		dbType:      dbType,
		connections: make(map[string]database.DBConnection),
	}
}

// Type implements database.DBProvider.
func (p *BaseProvider) Type() string {
	return p.dbType
}

// GetConnection implements database.DBProvider.
func (p *BaseProvider) GetConnection(_ context.Context, name string) (database.DBConnection, error) {
	p.mu.RLock()
	conn, ok := p.connections[name]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok = p.connections[name]; ok {
		return conn, nil
	}
	return p.open(name)
}

// open connects name and records it. p.mu must be held.
func (p *BaseProvider) open(name string) (database.DBConnection, error) {
	settings, err := dbconfig.Lookup(p.cfg.Entiflow.Database, name)
	if err != nil {
		return nil, err
	}
	if settings.Type != p.dbType {
		return nil, exception.Newf(exception.ConfigError, moduleName,
			"connection '%s' is of type '%s' but was requested from the %s provider", name, settings.Type, p.dbType)
	}

	db, err := Open(settings, p.cfg.Entiflow.System.Logging.SQLLevel)
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(db, settings, name)
	if err != nil {
		return nil, err
	}
	p.connections[name] = conn
	logger.Infof("Database '%s' connected (%s).", name, p.dbType)
	return conn, nil
}

// ForceReconnect implements database.DBProvider.
func (p *BaseProvider) ForceReconnect(_ context.Context, name string) (database.DBConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stale, ok := p.connections[name]; ok {
		if err := stale.Close(); err != nil {
			logger.Warnf("Database '%s' did not close cleanly before reconnect: %v", name, err)
		}
		delete(p.connections, name)
	}
	return p.open(name)
}

// CloseAll closes every open connection and reports all close failures together.
func (p *BaseProvider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs *multierror.Error
	for name, conn := range p.connections {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, exception.Newf(exception.InternalError, moduleName, "closing '%s'", name, err))
		}
		delete(p.connections, name)
	}
	return errs.ErrorOrNil()
}
