// Package migration applies the embedded schema of entiflow with golang-migrate.
// Each dialect has its own script set under resource/<dialect>.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// MigrationsTable tracks the applied schema version.
const MigrationsTable = "entiflow_schema_migrations"

const moduleName = "migration"

//go:embed resource
var resources embed.FS

// Source returns the migration scripts of dbType.
func Source(dbType string) (fs.FS, error) {
	sub, err := fs.Sub(resources, "resource/"+dbType)
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(sub, "."); err != nil {
		return nil, fmt.Errorf("no migrations for database type '%s'", dbType)
	}
	return sub, nil
}

// Migrator runs the embedded migrations against a database connection.
type Migrator struct{}

// NewMigrator creates a Migrator.
func NewMigrator() *Migrator { return &Migrator{} }

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Migrator) Up(ctx context.Context, conn database.DBConnection) error {
	return m.run(ctx, conn, "up", func(mi *migrate.Migrate) error { return mi.Up() })
}

// Down rolls back every applied migration.
func (m *Migrator) Down(ctx context.Context, conn database.DBConnection) error {
	return m.run(ctx, conn, "down", func(mi *migrate.Migrate) error { return mi.Down() })
}

// Version returns the applied schema version; ok is false on an empty database.
func (m *Migrator) Version(ctx context.Context, conn database.DBConnection) (version uint, dirty bool, ok bool, err error) {
	err = m.run(ctx, conn, "version", func(mi *migrate.Migrate) error {
		v, d, verr := mi.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return verr
		}
		version, dirty, ok = v, d, true
		return nil
	})
	return version, dirty, ok, err
}

func (m *Migrator) run(ctx context.Context, conn database.DBConnection, command string, fn func(*migrate.Migrate) error) error {
	dbType := conn.Type()
	src, err := Source(dbType)
	if err != nil {
		return exception.New(exception.ConfigError, moduleName, "unsupported database type", err)
	}
	sourceDriver, err := iofs.New(src, ".")
	if err != nil {
		return exception.New(exception.InternalError, moduleName, "failed to open embedded migrations", err)
	}

	sqlDB, shared, err := m.sqlDB(conn)
	if err != nil {
		_ = sourceDriver.Close()
		return err
	}
	dbDriver, err := databaseDriver(dbType, sqlDB)
	if err != nil {
		_ = sourceDriver.Close()
		if !shared {
			_ = sqlDB.Close()
		}
		return exception.Newf(exception.InternalError, moduleName, "failed to create %s migration driver", dbType, err)
	}
	mi, err := migrate.NewWithInstance("iofs", sourceDriver, dbType, dbDriver)
	if err != nil {
		_ = sourceDriver.Close()
		return exception.New(exception.InternalError, moduleName, "failed to create migrate instance", err)
	}
	// The database drivers close the *sql.DB they were given, so a shared pool only releases the source.
	if shared {
		defer sourceDriver.Close()
	} else {
		defer mi.Close()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mi.GracefulStop <- true
		case <-done:
		}
	}()

	logger.Infof("Executing migration '%s' on '%s' (%s).", command, conn.Name(), dbType)
	if err := fn(mi); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return exception.Newf(exception.InternalError, moduleName, "migration '%s' failed on '%s'", command, conn.Name(), err)
	}
	logger.Infof("Migration '%s' on '%s' completed.", command, conn.Name())
	return nil
}

// sqlDB returns the pool to migrate. SQLite reuses the connection's pool (an in-memory database
// would otherwise be a different database); other dialects get a dedicated pool.
func (m *Migrator) sqlDB(conn database.DBConnection) (*sql.DB, bool, error) {
	if conn.Type() == "sqlite" {
		db, err := conn.GetSQLDB()
		if err != nil {
			return nil, false, exception.New(exception.InternalError, moduleName, "failed to get sql.DB", err)
		}
		return db, true, nil
	}
	gdb, err := gormadapter.Open(conn.Config(), "SILENT")
	if err != nil {
		return nil, false, exception.Newf(exception.InternalError, moduleName, "failed to open migration connection for '%s'", conn.Name(), err)
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, false, exception.New(exception.InternalError, moduleName, "failed to get sql.DB", err)
	}
	return db, false, nil
}

func databaseDriver(dbType string, db *sql.DB) (migratedb.Driver, error) {
	switch dbType {
	case "postgres":
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	case "mysql":
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: MigrationsTable})
	case "sqlite":
		return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported database type for migration: %s", dbType)
	}
}
