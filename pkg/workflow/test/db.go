// Package test provides helpers shared by the package tests: a migrated SQLite database,
// a single connection resolver and a configuration pointing at temporary directories.
package test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	_ "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm/sqlite" // Registers the sqlite dialector.
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/migration"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// TestDBName is the connection name used by NewTestConfig and NewTestDB.
const TestDBName = "metadata"

// NewTestDB opens a file backed SQLite database in a temporary directory and applies the
// embedded migrations. The connection is closed when the test ends.
func NewTestDB(t testing.TB) database.DBConnection {
	t.Helper()
	cfg := dbconfig.DatabaseConfig{Type: "sqlite", Database: filepath.Join(t.TempDir(), "entiflow.db")}
	db, err := gormadapter.Open(cfg, "SILENT")
	require.NoError(t, err)
	conn, err := gormadapter.NewConnection(db, cfg, TestDBName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, migration.NewMigrator().Up(context.Background(), conn))
	return conn
}

// NewTestConfig returns the default configuration with a SQLite connection and a local
// storage connection ("local") rooted in a temporary directory.
func NewTestConfig(t testing.TB) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Entiflow.Database = map[string]interface{}{
		TestDBName: map[string]interface{}{"type": "sqlite", "database": filepath.Join(dir, "entiflow.db")},
	}
	cfg.Entiflow.Storage = map[string]interface{}{
		"local": map[string]interface{}{"type": "local", "base_dir": filepath.Join(dir, "storage")},
	}
	return cfg
}

type singleConnectionResolver struct {
	conn database.DBConnection
}

// NewSingleConnectionResolver returns a resolver that answers every name with conn.
func NewSingleConnectionResolver(conn database.DBConnection) database.DBConnectionResolver {
	return &singleConnectionResolver{conn: conn}
}

func (r *singleConnectionResolver) ResolveDBConnection(context.Context, string) (database.DBConnection, error) {
	return r.conn, nil
}
