// Package mysql registers the MySQL dialect with the gorm adapter and provides its DBProvider.
package mysql

import (
	"errors"
	"fmt"
	"net/url"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/fx"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	dbconfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/config"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// ProviderType is the database type handled by this package.
const ProviderType = "mysql"

// erDupEntry is the MySQL error number of a duplicate key.
const erDupEntry = 1062

func init() {
	gormadapter.RegisterDialector(ProviderType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		dsn, err := ConnectionString(cfg)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	})
	gormadapter.RegisterConflictClassifier(func(err error) bool {
		var myErr *mysqldriver.MySQLError
		return errors.As(err, &myErr) && myErr.Number == erDupEntry
	})
}

// ConnectionString builds a go-sql-driver DSN. Multi statements are enabled for migrations.
func ConnectionString(c dbconfig.DatabaseConfig) (string, error) {
	if c.Host == "" {
		return "", errors.New("MySQL host cannot be empty")
	}
	port := c.Port
	if port == 0 {
		port = 3306
	}
	mc := mysqldriver.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, port)
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.MultiStatements = true
	if c.Params != "" {
		values, err := url.ParseQuery(c.Params)
		if err != nil {
			return "", fmt.Errorf("invalid MySQL params '%s': %w", c.Params, err)
		}
		mc.Params = make(map[string]string, len(values))
		for k := range values {
			mc.Params[k] = values.Get(k)
		}
	}
	return mc.FormatDSN(), nil
}

// Provider implements database.DBProvider for MySQL.
type Provider struct {
	*gormadapter.BaseProvider
}

// NewProvider creates the MySQL provider.
func NewProvider(cfg *config.Config) database.DBProvider {
	return &Provider{BaseProvider: gormadapter.NewBaseProvider(cfg, ProviderType)}
}

// Module contributes the MySQL provider to the db_providers group.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewProvider,
		fx.ResultTags(`group:"`+database.DBProviderGroup+`"`),
	)),
)
