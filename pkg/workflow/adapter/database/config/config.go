// Package config holds the settings of a named database connection.
package config

import (
	"fmt"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Type     string     `yaml:"type" validate:"required,oneof=sqlite postgres mysql"` // Database type.
	Host     string     `yaml:"host"`                                                 // Database host address.
	Port     int        `yaml:"port"`                                                 // Database port number.
	Database string     `yaml:"database" validate:"required"`                         // Database name, or file path for sqlite.
	User     string     `yaml:"user"`                                                 // Database user.
	Password string     `yaml:"password"`                                             // Database password.
	Schema   string     `yaml:"schema,omitempty"`                                     // Schema name for PostgreSQL.
	Sslmode  string     `yaml:"sslmode"`                                              // SSL mode for the connection.
	Params   string     `yaml:"params,omitempty"`                                     // Extra DSN parameters appended verbatim.
	Pool     PoolConfig `yaml:"pool"`                                                 // Connection pool settings.
}

// Lookup decodes the connection registered under name in the `database` section.
func Lookup(section map[string]interface{}, name string) (DatabaseConfig, error) {
	var cfg DatabaseConfig
	raw, ok := section[name]
	if !ok {
		return cfg, fmt.Errorf("database configuration '%s' not found", name)
	}
	props, ok := raw.(map[string]interface{})
	if !ok {
		return cfg, fmt.Errorf("database configuration '%s': expected a mapping, got %T", name, raw)
	}
	if err := configbinder.BindAndValidate(props, &cfg); err != nil {
		return cfg, fmt.Errorf("database configuration '%s': %w", name, err)
	}
	return cfg, nil
}
