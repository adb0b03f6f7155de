// Package config loads the cache proxy configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/response-cache/pkg/cache"
	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/Sternrassler/response-cache/pkg/middleware"
	"github.com/Sternrassler/response-cache/pkg/origin"
	"github.com/Sternrassler/response-cache/pkg/policy"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Origin       OriginConfig        `yaml:"origin"`
	Cache        CacheConfig         `yaml:"cache"`
	CacheControl []policy.RuleConfig `yaml:"cache_control"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OriginConfig describes the upstream application.
type OriginConfig struct {
	URL       string             `yaml:"url"`
	Timeout   time.Duration      `yaml:"timeout"`
	UserAgent string             `yaml:"user_agent"`
	Retry     origin.RetryConfig `yaml:"retry"`
}

// CacheConfig contains storage and interception settings.
type CacheConfig struct {
	// Backend is one of memory, redis or sqlite.
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
	Shards   int    `yaml:"shards"`

	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	SQLitePath  string `yaml:"sqlite_path"`

	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
	VaryHeaders      []string `yaml:"vary_headers"`
	SingletonHeaders []string `yaml:"singleton_headers"`
	Name             string   `yaml:"name"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoggerConfig converts the logging section for logging.Setup.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Origin: OriginConfig{
			Timeout:   origin.DefaultTimeout,
			UserAgent: "response-cache/0.1.0",
		},
		Cache: CacheConfig{
			Backend:      BackendMemory,
			Capacity:     cache.DefaultMemoryCapacity,
			Shards:       cache.DefaultMemoryShards,
			RedisURL:     "redis://localhost:6379/0",
			RedisPrefix:  cache.DefaultRedisPrefix,
			SQLitePath:   "response-cache.db",
			MaxBodyBytes: middleware.DefaultMaxBodyBytes,
			VaryHeaders:  []string{"Accept", "Accept-Encoding"},
			Name:         middleware.DefaultName,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment:
// LISTEN_ADDR, ORIGIN_URL, REDIS_URL, CACHE_BACKEND, CACHE_CAPACITY,
// SQLITE_PATH, LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Origin.URL = getEnv("ORIGIN_URL", c.Origin.URL)
	c.Cache.RedisURL = getEnv("REDIS_URL", c.Cache.RedisURL)
	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.SQLitePath = getEnv("SQLITE_PATH", c.Cache.SQLitePath)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_CAPACITY %q: %w", v, err)
		}
		c.Cache.Capacity = n
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	if c.Origin.URL == "" {
		return fmt.Errorf("origin url is required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid origin url: %q", c.Origin.URL)
	}

	switch c.Cache.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if _, err := redis.ParseURL(c.Cache.RedisURL); err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
	default:
		return fmt.Errorf("cache backend must be 'memory', 'redis' or 'sqlite', got: %s", c.Cache.Backend)
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be > 0 (got %d)", c.Cache.Capacity)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if _, err := c.Mapper(); err != nil {
		return err
	}

	return nil
}

// Mapper builds the policy mapper from the cache_control rules.
func (c *Config) Mapper() (*policy.Mapper, error) {
	rules, err := policy.ParseRules(c.CacheControl)
	if err != nil {
		return nil, fmt.Errorf("cache_control: %w", err)
	}
	m, err := policy.NewMapper(rules)
	if err != nil {
		return nil, fmt.Errorf("cache_control: %w", err)
	}
	return m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
