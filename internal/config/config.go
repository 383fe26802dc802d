// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 30 * time.Second
	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	defaultServerAddress  = ":8090"
	defaultWorkerCount    = 4
	defaultTaskTimeout    = 30 * time.Minute
	defaultPollInterval   = 2 * time.Second
	defaultFairnessBurst  = 5
	defaultReserveCalls   = 20
	defaultExpectedAssets = 50
	defaultRefreshCron    = "@every 30m"
	defaultProviderLimit  = 250
)

// Config is the root service configuration.
type Config struct {
	Debug         bool                `yaml:"debug"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Refresh       RefreshConfig       `yaml:"refresh"`
	Providers     []ProviderConfig    `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds cache-tier connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ElasticsearchConfig holds report index settings. Optional: when URL is
// empty, report indexing is disabled.
type ElasticsearchConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProviderConfig describes one upstream market-data provider and its quota.
type ProviderConfig struct {
	Name       string        `yaml:"name"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	DailyLimit int           `yaml:"daily_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RefreshConfig tunes the refresh core.
type RefreshConfig struct {
	WorkerCount     int           `yaml:"worker_count"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FairnessBurst   int           `yaml:"fairness_burst"`   // high-lane dispatches before a low-lane turn
	ReserveCalls    int           `yaml:"reserve_calls"`    // budget floor that downgrades to minimal mode
	ExpectedAssets  int           `yaml:"expected_assets"`  // completeness denominator
	BenchmarkSymbol string        `yaml:"benchmark_symbol"` // fetched even in minimal mode
	CriticalSymbols []string      `yaml:"critical_symbols"` // minimal-mode fetch set
	Schedule        string        `yaml:"schedule"`         // cron spec for the scheduled trigger
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.DailyLimit <= 0 {
			return fmt.Errorf("providers[%d].daily_limit must be positive, got %d", i, p.DailyLimit)
		}
	}
	if c.Refresh.WorkerCount <= 0 {
		return fmt.Errorf("refresh.worker_count must be positive, got %d", c.Refresh.WorkerCount)
	}
	return nil
}

// setDefaults fills in default values.
func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaultServerAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Refresh.WorkerCount == 0 {
		cfg.Refresh.WorkerCount = defaultWorkerCount
	}
	if cfg.Refresh.TaskTimeout == 0 {
		cfg.Refresh.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Refresh.PollInterval == 0 {
		cfg.Refresh.PollInterval = defaultPollInterval
	}
	if cfg.Refresh.FairnessBurst == 0 {
		cfg.Refresh.FairnessBurst = defaultFairnessBurst
	}
	if cfg.Refresh.ReserveCalls == 0 {
		cfg.Refresh.ReserveCalls = defaultReserveCalls
	}
	if cfg.Refresh.ExpectedAssets == 0 {
		cfg.Refresh.ExpectedAssets = defaultExpectedAssets
	}
	if cfg.Refresh.BenchmarkSymbol == "" {
		cfg.Refresh.BenchmarkSymbol = "SPY"
	}
	if cfg.Refresh.Schedule == "" {
		cfg.Refresh.Schedule = defaultRefreshCron
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].DailyLimit == 0 {
			cfg.Providers[i].DailyLimit = defaultProviderLimit
		}
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 10 * time.Second
		}
	}
}

// overrideWithEnvVars applies environment variable overrides.
func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("TRACKER_PORT"); v != "" {
		cfg.Server.Address = ":" + v
	}
	if v := os.Getenv("POSTGRES_TRACKER_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_TRACKER_PORT"); v != "" {
		cfg.Database.Port = v
	}
	if v := os.Getenv("POSTGRES_TRACKER_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("POSTGRES_TRACKER_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_TRACKER_DB"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ELASTICSEARCH_URL"); v != "" {
		cfg.Elasticsearch.URL = v
	}
	if v := os.Getenv("REFRESH_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Refresh.WorkerCount = n
		}
	}
	if v := os.Getenv("MARKET_API_KEY"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].APIKey == "" {
				cfg.Providers[i].APIKey = v
			}
		}
	}
}

// Load reads, defaults, env-overrides and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// parseBool parses common boolean string representations.
// Returns true for "true", "1", "yes" (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
