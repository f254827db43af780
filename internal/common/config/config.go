// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	ModelServer   ModelServerConfig   `mapstructure:"model_server"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	WorkflowStore WorkflowStoreConfig `mapstructure:"workflow_store"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Startup       StartupConfig       `mapstructure:"startup"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds the listen ports of the management/inference API and the health server.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// ModelServerConfig points at the model-serving backend every node is registered with.
type ModelServerConfig struct {
	ManagementURL  string `mapstructure:"management_url"`
	InferenceURL   string `mapstructure:"inference_url"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBaseDelay int    `mapstructure:"retry_base_delay"` // milliseconds
	RetryMaxDelay  int    `mapstructure:"retry_max_delay"`  // milliseconds
}

// OrchestratorConfig tunes workflow registration.
type OrchestratorConfig struct {
	PoolSize        int  `mapstructure:"pool_size"`
	ResponseTimeout int  `mapstructure:"response_timeout"` // seconds, passed to the backend per node
	Synchronous     bool `mapstructure:"synchronous"`
	RollbackTimeout int  `mapstructure:"rollback_timeout"` // milliseconds
}

// WorkflowStoreConfig describes where workflow packages live on disk.
type WorkflowStoreConfig struct {
	Path        string   `mapstructure:"path"`
	AllowedURLs []string `mapstructure:"allowed_urls"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NotificationConfig holds the lifecycle event publisher settings.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none, stdout, otlp
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// StartupConfig controls what happens at boot.
type StartupConfig struct {
	CatalogPath     string `mapstructure:"catalog_path"`
	RestoreSnapshot bool   `mapstructure:"restore_snapshot"`
}
