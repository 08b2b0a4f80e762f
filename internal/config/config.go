package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	External   ExternalConfig   `yaml:"external"`
	Sync       SyncConfig       `yaml:"sync"`
	Health     HealthConfig     `yaml:"health"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Exports    ExportConfig     `yaml:"exports"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN builds a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, sslMode)
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	HTTP          APIHTTPConfig      `yaml:"http"`
	Auth          APIAuthConfig      `yaml:"auth"`
	RateLimit     APIRateLimitConfig `yaml:"rate_limit"`
	WebhookSecret string             `yaml:"webhook_secret"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ExternalConfig describes the property-management API the bookings come from.
type ExternalConfig struct {
	BaseURL      string               `yaml:"base_url"`
	TokenURL     string               `yaml:"token_url"`
	ClientID     string               `yaml:"client_id"`
	ClientSecret string               `yaml:"client_secret"`
	Scopes       []string             `yaml:"scopes"`
	TokenMargin  time.Duration        `yaml:"token_margin"`
	Timeout      time.Duration        `yaml:"timeout"`
	RPS          float64              `yaml:"rps"`
	Burst        int                  `yaml:"burst"`
	PageSize     int                  `yaml:"page_size"`
	PushTasks    bool                 `yaml:"push_tasks"`
	Breaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Configured reports whether every credential needed for polling is present.
func (e ExternalConfig) Configured() bool {
	return e.BaseURL != "" && e.TokenURL != "" && e.ClientID != "" && e.ClientSecret != ""
}

// MissingCredentials lists the absent settings by their YAML name.
func (e ExternalConfig) MissingCredentials() []string {
	var missing []string
	if e.BaseURL == "" {
		missing = append(missing, "external.base_url")
	}
	if e.TokenURL == "" {
		missing = append(missing, "external.token_url")
	}
	if e.ClientID == "" {
		missing = append(missing, "external.client_id")
	}
	if e.ClientSecret == "" {
		missing = append(missing, "external.client_secret")
	}
	return missing
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Backoff      string        `yaml:"backoff"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Concurrency    int           `yaml:"concurrency"`
	Retry          RetryConfig   `yaml:"retry"`
	DatastoreRetry RetryConfig   `yaml:"datastore_retry"`
	PushRetry      RetryConfig   `yaml:"push_retry"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
}

type AlertsConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig drives periodic VACUUM INTO snapshots of the sqlite store.
type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := validateBackoff(c.Sync.Retry.Backoff); err != nil {
		return fmt.Errorf("sync.retry: %w", err)
	}
	if err := validateBackoff(c.Sync.DatastoreRetry.Backoff); err != nil {
		return fmt.Errorf("sync.datastore_retry: %w", err)
	}
	if err := validateBackoff(c.Sync.PushRetry.Backoff); err != nil {
		return fmt.Errorf("sync.push_retry: %w", err)
	}
	if err := validateBackoff(c.Health.Retry.Backoff); err != nil {
		return fmt.Errorf("health.retry: %w", err)
	}

	seen := make(map[string]bool, len(c.API.Auth.APIKeys))
	for _, k := range c.API.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key %q is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client %q", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func validateBackoff(b string) error {
	switch b {
	case "fixed", "exponential":
		return nil
	default:
		return fmt.Errorf("unknown backoff %q", b)
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "turnover"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 256
	}

	if c.External.TokenMargin == 0 {
		c.External.TokenMargin = 5 * time.Minute
	}
	if c.External.Timeout == 0 {
		c.External.Timeout = 30 * time.Second
	}
	if c.External.PageSize == 0 {
		c.External.PageSize = 100
	}
	if c.External.Breaker.FailureThreshold == 0 {
		c.External.Breaker.FailureThreshold = 5
	}
	if c.External.Breaker.Timeout == 0 {
		c.External.Breaker.Timeout = time.Minute
	}

	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	applyRetryDefaults(&c.Sync.Retry, 3, time.Second, "exponential")
	applyRetryDefaults(&c.Sync.DatastoreRetry, 2, 200*time.Millisecond, "exponential")
	applyRetryDefaults(&c.Sync.PushRetry, 5, 2*time.Second, "exponential")

	if c.Health.Interval == 0 {
		c.Health.Interval = time.Minute
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 10 * time.Second
	}
	applyRetryDefaults(&c.Health.Retry, 2, 500*time.Millisecond, "fixed")

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
}

func applyRetryDefaults(r *RetryConfig, maxRetries int, initial time.Duration, backoff string) {
	if r.MaxRetries == 0 {
		r.MaxRetries = maxRetries
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = initial
	}
	if r.Backoff == "" {
		r.Backoff = backoff
	}
}
