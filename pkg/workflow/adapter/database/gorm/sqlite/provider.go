// Package sqlite registers the SQLite dialect with the gorm adapter and provides its DBProvider.
package sqlite

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/fx"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// ProviderType is the database type handled by this package.
const ProviderType = "sqlite"

// DefaultParams are applied when the connection config sets no params.
// Immediate transactions make concurrent writers wait on busy_timeout instead of failing on lock upgrade.
const DefaultParams = "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

func init() {
	gormadapter.RegisterDialector(ProviderType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("SQLite database path cannot be empty")
		}
		return sqlite.Open(ConnectionString(cfg)), nil
	})
	gormadapter.RegisterConflictClassifier(isUniqueViolation)
}

// ConnectionString returns the file path (or :memory:) followed by the driver parameters.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	params := c.Params
	if params == "" {
		params = DefaultParams
	}
	return c.Database + "?" + params
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Provider implements database.DBProvider for SQLite.
type Provider struct {
	*gormadapter.BaseProvider
}

// NewProvider creates the SQLite provider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return &Provider{BaseProvider: gormadapter.NewBaseProvider(cfg, ProviderType)}
}

// Module contributes the SQLite provider to the db_providers group.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewProvider,
		fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
	)),
)
