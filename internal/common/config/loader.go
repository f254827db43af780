// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// ENV override, e.g. MODEL_SERVER_MANAGEMENT_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional per-environment overlay

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from well-known env vars if the file left them empty.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
	if cfg.Notifications.SNS.TopicARN == "" {
		if val := os.Getenv("WORKFLOW_EVENTS_TOPIC_ARN"); val != "" {
			cfg.Notifications.SNS.TopicARN = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "workflow-manager"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8080
	}

	if cfg.ModelServer.RequestTimeout == 0 {
		cfg.ModelServer.RequestTimeout = 120000
	}
	if cfg.ModelServer.MaxRetries == 0 {
		cfg.ModelServer.MaxRetries = 3
	}
	if cfg.ModelServer.RetryBaseDelay == 0 {
		cfg.ModelServer.RetryBaseDelay = 500
	}
	if cfg.ModelServer.RetryMaxDelay == 0 {
		cfg.ModelServer.RetryMaxDelay = 5000
	}

	if cfg.Orchestrator.PoolSize == 0 {
		cfg.Orchestrator.PoolSize = 4
	}
	if cfg.Orchestrator.ResponseTimeout == 0 {
		cfg.Orchestrator.ResponseTimeout = 120
	}
	if cfg.Orchestrator.RollbackTimeout == 0 {
		cfg.Orchestrator.RollbackTimeout = 60000
	}

	if cfg.WorkflowStore.Path == "" {
		cfg.WorkflowStore.Path = "./workflow-store"
	}
	if len(cfg.WorkflowStore.AllowedURLs) == 0 {
		cfg.WorkflowStore.AllowedURLs = []string{"file://.*|http(s)?://.*"}
	}

	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 2
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.KeyPrefix == "" {
		cfg.Database.Redis.KeyPrefix = "workflows"
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	if cfg.Tracing.SampleRate <= 0 {
		cfg.Tracing.SampleRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.ModelServer.ManagementURL == "" {
		return fmt.Errorf("model_server.management_url is required")
	}
	if cfg.ModelServer.InferenceURL == "" {
		return fmt.Errorf("model_server.inference_url is required")
	}
	if cfg.Orchestrator.PoolSize < 1 {
		return fmt.Errorf("orchestrator.pool_size must be positive, got %d", cfg.Orchestrator.PoolSize)
	}
	for _, pattern := range cfg.WorkflowStore.AllowedURLs {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("workflow_store.allowed_urls: invalid pattern %q: %w", pattern, err)
		}
	}

	if cfg.Database.Postgres.Enabled {
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	}
	if cfg.Database.Redis.Enabled && cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}
	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}

	switch cfg.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter: unsupported value %q", cfg.Tracing.Exporter)
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
