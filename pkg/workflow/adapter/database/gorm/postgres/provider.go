// Package postgres registers the PostgreSQL dialect with the gorm adapter and provides its DBProvider.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// ProviderType is the database type handled by this package.
const ProviderType = "postgres"

// uniqueViolation is the SQLSTATE of unique_violation.
const uniqueViolation = "23505"

func init() {
	gormadapter.RegisterDialector(ProviderType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Host == "" {
			return nil, errors.New("PostgreSQL host cannot be empty")
		}
		return postgres.Open(ConnectionString(cfg)), nil
	})
	gormadapter.RegisterConflictClassifier(func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
	})
}

// ConnectionString generates the key/value DSN expected by gorm.io/driver/postgres.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	sslmode := c.Sslmode
	if sslmode == "" {
		sslmode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslmode)}
	if c.Schema != "" {
		parts = append(parts, "search_path="+c.Schema)
	}
	if c.Params != "" {
		parts = append(parts, c.Params)
	}
	return strings.Join(parts, " ")
}

// Provider implements database.DBProvider for PostgreSQL.
type Provider struct {
	*gormadapter.BaseProvider
}

// NewProvider creates the PostgreSQL provider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return &Provider{BaseProvider: gormadapter.NewBaseProvider(cfg, ProviderType)}
}

// Module contributes the PostgreSQL provider to the db_providers group.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewProvider,
		fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
	)),
)
