package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Backup       BackupConfig       `yaml:"backup"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	DeadLetter   DeadLetterConfig   `yaml:"dead_letter"`
	Telegram     TelegramConfig     `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type StorageConfig struct {
	Backend  string       `yaml:"backend"`
	Fallback string       `yaml:"fallback"`
	Key      string       `yaml:"key"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
	Redis    RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type SyncConfig struct {
	DefaultMaxRetries   int           `yaml:"default_max_retries"`
	InitialDelay        time.Duration `yaml:"initial_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	Jitter              float64       `yaml:"jitter"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	SyncOnEnqueue       bool          `yaml:"sync_on_enqueue"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	FailFastOnPermanent bool          `yaml:"fail_fast_on_permanent"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type DispatcherConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	APIExtra string        `yaml:"api_extra"`
	Timeout  time.Duration `yaml:"timeout"`
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
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
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Storage.Fallback {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for the sqlite fallback")
		}
	default:
		return fmt.Errorf("unsupported storage fallback %q", c.Storage.Fallback)
	}
	if c.Storage.Fallback != "" && c.Storage.Fallback == c.Storage.Backend {
		return errors.New("storage.fallback must differ from storage.backend")
	}

	if c.Sync.DefaultMaxRetries <= 0 {
		return errors.New("sync.default_max_retries must be positive")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return errors.New("sync.jitter must be within [0, 1]")
	}
	if c.Sync.MaxConcurrency < 0 {
		return errors.New("sync.max_concurrency must not be negative")
	}

	if c.Dispatcher.BaseURL == "" {
		return errors.New("dispatcher.base_url is required")
	}
	if !strings.HasPrefix(c.Dispatcher.BaseURL, "http://") && !strings.HasPrefix(c.Dispatcher.BaseURL, "https://") {
		return fmt.Errorf("dispatcher.base_url must be an http(s) URL, got %q", c.Dispatcher.BaseURL)
	}

	if c.DeadLetter.Enabled && c.Storage.Redis.Address == "" {
		return errors.New("dead_letter requires storage.redis.address")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendSQLite
	}
	if c.Storage.Key == "" {
		c.Storage.Key = models.DefaultStorageKey
	}
	if c.Storage.SQLite.Path == "" && (c.Storage.Backend == BackendSQLite || c.Storage.Fallback == BackendSQLite) {
		c.Storage.SQLite.Path = "data/fieldsync.db"
	}

	// Sync defaults
	if c.Sync.DefaultMaxRetries == 0 {
		c.Sync.DefaultMaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.InitialDelay == 0 {
		c.Sync.InitialDelay = models.DefaultBaseDelay
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = models.DefaultMaxDelay
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.SettleDelay == 0 {
		c.Sync.SettleDelay = models.DefaultSettleDelay
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = models.DefaultProbeInterval
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = models.DefaultProbeTimeout
	}

	if c.Dispatcher.Timeout == 0 {
		c.Dispatcher.Timeout = models.DefaultDispatchTimeout
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.DeadLetter.Key == "" {
		c.DeadLetter.Key = models.DefaultDeadLetterKey
	}
}
