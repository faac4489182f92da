package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const (
	moduleName = "config"
	// EnvPrefix prefixes every environment override, e.g. ENTIFLOW_QUEUE_WORKERS=8.
	EnvPrefix = "ENTIFLOW_"
)

// ConfigParams are the fx inputs of NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	Expander       EnvironmentExpander
	EnvFilePath    string `name:"envFilePath" optional:"true"`
}

// LoadConfig builds a Config from defaults, the given YAML document and the environment.
// Precedence, lowest first: NewConfig defaults, YAML, .env file, process environment.
//
// Parameters:
//
//	envFilePath: Optional .env file. Empty means "./.env" if present.
//	data: YAML document; ${VAR} references are expanded before parsing.
//	expander: Expands environment references. nil uses OsEnvironmentExpander.
func LoadConfig(envFilePath string, data []byte, expander EnvironmentExpander) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not loaded: %v", err)
	}

	if expander == nil {
		expander = NewOsEnvironmentExpander()
	}
	expanded, err := expander.Expand(data)
	if err != nil {
		return nil, exception.New(exception.ConfigError, moduleName, "failed to expand environment references", err)
	}

	cfg := NewConfig()
	if len(expanded) > 0 {
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, exception.New(exception.ConfigError, moduleName, "failed to parse configuration yaml", err)
		}
	}
	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, exception.New(exception.ConfigError, moduleName, "failed to apply environment overrides", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads path and passes its content to LoadConfig.
func LoadConfigFile(envFilePath, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "failed to read config file %s", path, err)
	}
	return LoadConfig(envFilePath, data, nil)
}

// Validate checks cross-field constraints of the configuration.
func (c *Config) Validate() error {
	e := c.Entiflow
	switch e.Queue.Type {
	case "memory", "redis":
	default:
		return exception.Newf(exception.ConfigError, moduleName, "unsupported queue.type '%s' (memory, redis)", e.Queue.Type)
	}
	if e.Queue.Workers <= 0 {
		return exception.New(exception.ConfigError, moduleName, "queue.workers must be positive", nil)
	}
	switch e.Metrics.Backend {
	case "prometheus", "otel":
	default:
		return exception.Newf(exception.ConfigError, moduleName, "unsupported metrics.backend '%s'", e.Metrics.Backend)
	}
	switch e.Tracing.Exporter {
	case "none", "otlp-grpc", "otlp-http":
	default:
		return exception.Newf(exception.ConfigError, moduleName, "unsupported tracing.exporter '%s'", e.Tracing.Exporter)
	}
	if e.System.Timezone != "" {
		if _, err := time.LoadLocation(e.System.Timezone); err != nil {
			return exception.Newf(exception.ConfigError, moduleName, "invalid system.timezone '%s'", e.System.Timezone, err)
		}
	}
	return nil
}

// NewConfigProvider loads the configuration for fx and applies logger settings.
func NewConfigProvider(p ConfigParams) (*Config, error) {
	cfg, err := LoadConfig(p.EnvFilePath, p.EmbeddedConfig, p.Expander)
	if err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	logger.SetFormat(cfg.Entiflow.System.Logging.Format)
	logger.SetLogLevel(cfg.Entiflow.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Entiflow.System.Logging.Level)
	return cfg, nil
}

// applyEnvOverrides walks struct fields by their yaml tag and overwrites scalars found in the
// environment. Nested structs extend the variable name with "_<TAG>". Maps are left alone.
func applyEnvOverrides(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		tag := strings.SplitN(typ.Field(i).Tag.Get("yaml"), ",", 2)[0]
		if tag == "" || tag == "-" || !field.CanSet() {
			continue
		}
		name := strings.ToUpper(prefix + tag)

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverrides(field, name+"_"); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	case reflect.Map:
		// Named connections are configured in yaml only.
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
