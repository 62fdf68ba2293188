// Package config handles loading and validating the pool, engine tuning,
// server and Redis configuration from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/enginepool/internal/engine"
	"github.com/joao-brasil/enginepool/internal/pool"
)

// PoolConfig holds the connection pool settings.
type PoolConfig struct {
	Name                string        `yaml:"name"`
	Path                string        `yaml:"path"`
	MaxConnections      int           `yaml:"max_connections"`
	MinConnections      int           `yaml:"min_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	WaitTimeout         time.Duration `yaml:"wait_timeout"`
	SlowQueryThreshold  time.Duration `yaml:"slow_query_threshold"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	BeginMode           string        `yaml:"begin_mode"`
	ClassifierCacheSize int           `yaml:"classifier_cache_size"`
}

// ServerConfig holds the HTTP endpoints of the service host.
type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	ListenAddr      string        `yaml:"listen_addr"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection used to publish pool statistics.
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ReportInterval time.Duration `yaml:"report_interval"`
	ReportTTL      time.Duration `yaml:"report_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Pool   PoolConfig           `yaml:"pool"`
	Tuning engine.TuningProfile `yaml:"tuning"`
	Server ServerConfig         `yaml:"server"`
	Redis  RedisConfig          `yaml:"redis"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, validates and completes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Pool.Path == "" {
		return fmt.Errorf("pool.path is required")
	}
	if c.Pool.MaxConnections < 0 {
		return fmt.Errorf("pool.max_connections must not be negative")
	}
	if c.Pool.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections must not be negative")
	}
	if c.Pool.MaxConnections > 0 && c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.min_connections (%d) exceeds pool.max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	switch pool.BeginMode(c.Pool.BeginMode) {
	case "", pool.BeginDeferred, pool.BeginImmediate, pool.BeginExclusive:
	default:
		return fmt.Errorf("pool.begin_mode %q is not one of deferred, immediate, exclusive", c.Pool.BeginMode)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
// Pool timings left at zero are defaulted by pool.New.
func (c *Config) applyDefaults() {
	if c.Pool.Name == "" {
		c.Pool.Name = "default"
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 10
	}
	if c.Pool.BeginMode == "" {
		c.Pool.BeginMode = string(pool.BeginImmediate)
	}
	if len(c.Tuning.Directives()) == 0 {
		c.Tuning = engine.DefaultTuning()
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0"
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = defaultInstanceID()
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 5
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "enginepool"
	}
	if c.Redis.ReportInterval == 0 {
		c.Redis.ReportInterval = 10 * time.Second
	}
	if c.Redis.ReportTTL == 0 {
		c.Redis.ReportTTL = 3 * c.Redis.ReportInterval
	}
}

// defaultInstanceID is the hostname, or a random id when the hostname is
// not available.
func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return uuid.NewString()
}

// EnsureDataDir creates the directory holding the database file so a
// relative pool.path works on a fresh checkout.
func (c *Config) EnsureDataDir() error {
	dir := filepath.Dir(c.Pool.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	return nil
}

// ToPoolConfig converts the pool and tuning sections to a pool.Config.
func (c *Config) ToPoolConfig(logger *slog.Logger) pool.Config {
	return pool.Config{
		Name:                c.Pool.Name,
		Path:                c.Pool.Path,
		MaxConnections:      c.Pool.MaxConnections,
		MinConnections:      c.Pool.MinConnections,
		IdleTimeout:         c.Pool.IdleTimeout,
		WaitTimeout:         c.Pool.WaitTimeout,
		SlowQueryThreshold:  c.Pool.SlowQueryThreshold,
		ReapInterval:        c.Pool.ReapInterval,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
		BeginMode:           pool.BeginMode(c.Pool.BeginMode),
		Tuning:              c.Tuning,
		ClassifierCacheSize: c.Pool.ClassifierCacheSize,
		Logger:              logger,
	}
}
