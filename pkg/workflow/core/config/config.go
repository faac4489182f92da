// Package config defines the configuration tree of entiflow and its defaults.
package config

// EmbeddedConfig holds the raw bytes of the application YAML bundled into the binary.
type EmbeddedConfig []byte

// LogLevel is a log level name accepted in configuration.
type LogLevel string

const (
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
	LogLevelSilent LogLevel = "SILENT"
)

// LoggingConfig configures the package logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`     // DEBUG, INFO, WARN, ERROR, FATAL.
	Format   string `yaml:"format"`    // console or json.
	SQLLevel string `yaml:"sql_level"` // gorm log level: SILENT, ERROR, WARN, INFO.
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the advisory cache manager.
type CacheConfig struct {
	DefaultTTLSeconds      int `yaml:"default_ttl_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// InfrastructureConfig names the connections used by the engine's own stores.
type InfrastructureConfig struct {
	RepositoryDBRef string      `yaml:"repository_db_ref"` // Connection holding workflows, runs, raw items and logs.
	EntityDBRef     string      `yaml:"entity_db_ref"`     // Connection holding dynamic entities.
	AutoMigrate     bool        `yaml:"auto_migrate"`      // Apply embedded migrations on start.
	Cache           CacheConfig `yaml:"cache"`
}

// RedisQueueConfig configures the Redis broker.
type RedisQueueConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	KeyPrefix      string `yaml:"key_prefix"`
	BlockTimeoutMs int    `yaml:"block_timeout_ms"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Type       string           `yaml:"type"` // memory or redis.
	Workers    int              `yaml:"workers"`
	BufferSize int              `yaml:"buffer_size"`
	Redis      RedisQueueConfig `yaml:"redis"`
}

// SchedulerConfig configures cron scheduling and reconciliation.
type SchedulerConfig struct {
	Enabled                  bool `yaml:"enabled"`
	ReconcileIntervalSeconds int  `yaml:"reconcile_interval_seconds"`
}

// RetentionConfig configures run pruning.
type RetentionConfig struct {
	OlderThanDays         int `yaml:"older_than_days"`
	KeepLatestPerWorkflow int `yaml:"keep_latest_per_workflow"`
	EntityVersionDays     int `yaml:"entity_version_days"`
}

// WorkflowConfig holds run policy settings.
type WorkflowConfig struct {
	FailOnAllItemsFailed bool            `yaml:"fail_on_all_items_failed"` // Mark a run Failed when every item failed.
	MaxItemsPerRun       int             `yaml:"max_items_per_run"`        // 0 means unlimited.
	HTTPTimeoutSeconds   int             `yaml:"http_timeout_seconds"`
	APIBaseURL           string          `yaml:"api_base_url"`          // Base URL for "api" sources that declare an endpoint.
	StalledAfterSeconds  int             `yaml:"stalled_after_seconds"` // Age after which queued runs and pending items are re-enqueued. 0 disables recovery.
	Retention            RetentionConfig `yaml:"retention"`
}

// MetricsConfig configures metric recording.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // prometheus or otel.
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // otlp-grpc, otlp-http or none.
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// SecurityConfig lists config keys masked in logs.
type SecurityConfig struct {
	MaskedConfigKeys []string `yaml:"masked_config_keys"`
}

// EntiflowConfig is the root of the application configuration.
type EntiflowConfig struct {
	System         SystemConfig           `yaml:"system"`
	Infrastructure InfrastructureConfig   `yaml:"infrastructure"`
	Queue          QueueConfig            `yaml:"queue"`
	Scheduler      SchedulerConfig        `yaml:"scheduler"`
	Workflow       WorkflowConfig         `yaml:"workflow"`
	Metrics        MetricsConfig          `yaml:"metrics"`
	Tracing        TracingConfig          `yaml:"tracing"`
	Security       SecurityConfig         `yaml:"security"`
	Database       map[string]interface{} `yaml:"database"` // Named connections, decoded by the database providers.
	Storage        map[string]interface{} `yaml:"storage"`  // Named storage connections.
}

// Config wraps EntiflowConfig under the top-level "entiflow" key.
type Config struct {
	Entiflow EntiflowConfig `yaml:"entiflow"`
}

// GlobalConfig is set once the configuration is loaded by the fx provider.
var GlobalConfig *Config

// GetMaskedConfigKeys returns the configured list of secret keys, or the defaults.
func GetMaskedConfigKeys() []string {
	if GlobalConfig == nil || len(GlobalConfig.Entiflow.Security.MaskedConfigKeys) == 0 {
		return defaultMaskedKeys
	}
	return GlobalConfig.Entiflow.Security.MaskedConfigKeys
}

var defaultMaskedKeys = []string{"password", "token", "secret", "client_secret", "key", "api_key", "authorization"}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Entiflow: EntiflowConfig{
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: "INFO", Format: "console", SQLLevel: string(LogLevelSilent)},
			},
			Infrastructure: InfrastructureConfig{
				RepositoryDBRef: "metadata",
				EntityDBRef:     "metadata",
				AutoMigrate:     true,
				Cache:           CacheConfig{DefaultTTLSeconds: 300, CleanupIntervalSeconds: 600},
			},
			Queue: QueueConfig{
				Type:       "memory",
				Workers:    4,
				BufferSize: 1024,
				Redis:      RedisQueueConfig{Addr: "localhost:6379", KeyPrefix: "entiflow", BlockTimeoutMs: 1000},
			},
			Scheduler: SchedulerConfig{Enabled: true, ReconcileIntervalSeconds: 30},
			Workflow: WorkflowConfig{
				HTTPTimeoutSeconds:  30,
				StalledAfterSeconds: 300,
				Retention:           RetentionConfig{OlderThanDays: 30, KeepLatestPerWorkflow: 50},
			},
			Metrics:  MetricsConfig{Backend: "prometheus", ListenAddr: ":9090"},
			Tracing:  TracingConfig{Exporter: "none", ServiceName: "entiflow"},
			Security: SecurityConfig{MaskedConfigKeys: append([]string(nil), defaultMaskedKeys...)},
			Database: map[string]interface{}{},
			Storage:  map[string]interface{}{},
		},
	}
}
