// Package database defines the connection abstractions shared by the repositories and the entity store.
// The gorm subpackage implements them; dialect subpackages register themselves on import.
package database

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
)

// DBConnection is an open, named database connection.
type DBConnection interface {
	// DB returns the gorm handle of the connection pool.
	DB() *gorm.DB
	// GetSQLDB returns the underlying *sql.DB.
	GetSQLDB() (*sql.DB, error)
	// RefreshConnection pings the pool.
	RefreshConnection(ctx context.Context) error
	// Config returns the settings the connection was opened with.
	Config() dbconfig.DatabaseConfig
	Close() error
	Type() string // Dialect ("sqlite", "postgres", "mysql").
	Name() string // Connection name from the database config section.
}

// DBProvider opens and caches connections of one dialect.
type DBProvider interface {
	// GetConnection retrieves a database connection with the specified name.
	GetConnection(ctx context.Context, name string) (DBConnection, error)
	// ForceReconnect closes and re-opens the named connection.
	ForceReconnect(ctx context.Context, name string) (DBConnection, error)
	// CloseAll closes all connections managed by this provider.
	CloseAll() error
	// Type returns the dialect handled by this provider.
	Type() string
}

// DBConnectionResolver returns a healthy connection for a configured name, whatever its dialect.
type DBConnectionResolver interface {
	ResolveDBConnection(ctx context.Context, name string) (DBConnection, error)
}

// DBProviderGroup is the fx value group collecting every DBProvider.
const DBProviderGroup = "db_providers"
