package gorm

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// Connection implements database.DBConnection over a gorm pool.
type Connection struct {
	db    *gorm.DB
	sqlDB *sql.DB
	cfg   dbconfig.DatabaseConfig
	name  string
}

var _ database.DBConnection = (*Connection)(nil)

// NewConnection wraps db. cfg.Type names the dialect.
func NewConnection(db *gorm.DB, cfg dbconfig.DatabaseConfig, name string) (*Connection, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying *sql.DB for '%s': %w", name, err)
	}
	return &Connection{db: db, sqlDB: sqlDB, cfg: cfg, name: name}, nil
}

// DB implements database.DBConnection.
func (c *Connection) DB() *gorm.DB { return c.db }

// GetSQLDB implements database.DBConnection.
func (c *Connection) GetSQLDB() (*sql.DB, error) {
	if c.sqlDB == nil {
		return nil, fmt.Errorf("underlying sql.DB is nil")
	}
	return c.sqlDB, nil
}

// RefreshConnection implements database.DBConnection.
func (c *Connection) RefreshConnection(ctx context.Context) error {
	if c.sqlDB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	return c.sqlDB.PingContext(ctx)
}

// Config implements database.DBConnection.
func (c *Connection) Config() dbconfig.DatabaseConfig { return c.cfg }

// Close implements database.DBConnection.
func (c *Connection) Close() error {
	if c.sqlDB == nil {
		return nil
	}
	logger.Infof("Closing database connection '%s'...", c.name)
	return c.sqlDB.Close()
}

// Type implements database.DBConnection.
func (c *Connection) Type() string { return c.cfg.Type }

// Name implements database.DBConnection.
func (c *Connection) Name() string { return c.name }
