package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultJWTSecret is used when no jwt_secret is configured. It is public and
// must be replaced in any real deployment.
const DefaultJWTSecret = "changeme-secret"

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Webhooks  WebhookConfig  `mapstructure:"webhooks"`
	Workers   WorkerConfig   `mapstructure:"workers"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// WebhookConfig controls outbound delivery.
type WebhookConfig struct {
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
	ResponseBodyLimit int           `mapstructure:"response_body_limit"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// WorkerConfig controls the failed-operation retry and health snapshot timers.
type WorkerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	RetryBatchSize     int           `mapstructure:"retry_batch_size"`
	DeferredRetryDelay time.Duration `mapstructure:"deferred_retry_delay"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	PrimaryLogTable    string        `mapstructure:"primary_log_table"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		return d.FilePath()
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// FilePath returns the on-disk database file for SQLite, or "" for server databases.
func (d DatabaseConfig) FilePath() string {
	if !d.IsSQLite() {
		return ""
	}
	return filepath.Join(d.Path, d.Name+".db")
}

// UsesDefaultJWTSecret reports whether jwt_secret is unset or still the
// built-in default.
func (c *Config) UsesDefaultJWTSecret() bool {
	return c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.name", "logging")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("webhooks.delivery_timeout", 30*time.Second)
	v.SetDefault("webhooks.response_body_limit", 1000)
	v.SetDefault("webhooks.user_agent", "LoggingServer-Webhook/1.0")
	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.retry_interval", 60*time.Second)
	v.SetDefault("workers.retry_batch_size", 50)
	v.SetDefault("workers.deferred_retry_delay", 2*time.Minute)
	v.SetDefault("workers.health_interval", 24*time.Hour)
	v.SetDefault("workers.primary_log_table", "log_entries")
}

// Load reads app.yaml (if present), environment overrides and defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
