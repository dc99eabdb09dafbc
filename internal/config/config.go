// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.tabletalk/config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors checked with errors.Is(); sensitive
// fields are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultMaxHistoryMessages is the default per-session message load.
	DefaultMaxHistoryMessages int32 = 100

	// MaxAllowedHistoryMessages is the absolute maximum to prevent OOM.
	MaxAllowedHistoryMessages int32 = 10000

	// MinHistoryMessages is the minimum allowed value for MaxHistoryMessages.
	MinHistoryMessages int32 = 10
)

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON().
type Config struct {
	// Analysis service endpoints
	BackendURL string `mapstructure:"backend_url" json:"backend_url"`
	LiveURL    string `mapstructure:"live_url" json:"live_url"`

	// Request behavior
	RequestTimeoutSeconds    int     `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds"`
	ReconnectIntervalSeconds int     `mapstructure:"reconnect_interval_seconds" json:"reconnect_interval_seconds"`
	RateLimitRPS             float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst           int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// History configuration
	MaxHistoryMessages int32 `mapstructure:"max_history_messages" json:"max_history_messages"`
	HistoryLogLimit    int   `mapstructure:"history_log_limit" json:"history_log_limit"`

	// Storage configuration (see storage.go)
	PersistenceEnabled bool   `mapstructure:"persistence_enabled" json:"persistence_enabled"`
	PostgresHost       string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort       int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser       string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword   string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName     string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode    string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Serve mode
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Export configuration
	ExportDir string `mapstructure:"export_dir" json:"export_dir"`

	// Observability configuration
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".tabletalk")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast on bad configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("backend_url", "http://localhost:8815")
	viper.SetDefault("live_url", "ws://localhost:8815/v1/live")

	viper.SetDefault("request_timeout_seconds", 60)
	viper.SetDefault("reconnect_interval_seconds", 5)
	viper.SetDefault("rate_limit_rps", 5.0)
	viper.SetDefault("rate_limit_burst", 10)

	viper.SetDefault("max_history_messages", DefaultMaxHistoryMessages)
	viper.SetDefault("history_log_limit", 200)

	viper.SetDefault("persistence_enabled", true)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "tabletalk")
	viper.SetDefault("postgres_password", "tabletalk_dev_password")
	viper.SetDefault("postgres_db_name", "tabletalk")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("export_dir", "")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.service_name", "tabletalk")
	viper.SetDefault("tracing.environment", "dev")
}

// bindEnvVariables binds runtime override variables explicitly.
func bindEnvVariables() {
	// Hardcoded strings can't fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("backend_url", "TABLETALK_BACKEND_URL")
	mustBind("live_url", "TABLETALK_LIVE_URL")
	mustBind("listen_addr", "TABLETALK_LISTEN_ADDR")
	mustBind("persistence_enabled", "TABLETALK_PERSISTENCE_ENABLED")
	mustBind("postgres_password", "TABLETALK_POSTGRES_PASSWORD")
	mustBind("tracing.enabled", "TABLETALK_TRACING_ENABLED")
	mustBind("tracing.endpoint", "TABLETALK_TRACING_ENDPOINT")
}

// RequestTimeout returns the per-call backend deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReconnectInterval returns the fixed live-channel reconnect delay.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
