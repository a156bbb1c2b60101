package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/openeo-udf/dispatch"
	"github.com/isdmx/openeo-udf/sandbox"
)

// EnvPrefix prefixes environment overrides, e.g. OPENEO_UDF_SANDBOX_TIMEOUT_SEC
const EnvPrefix = "OPENEO_UDF"

// Transports
const (
	TransportHTTP     = "http"
	TransportMCPStdio = "mcp-stdio"
	TransportMCPHTTP  = "mcp-http"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	UDF      UDFConfig      `mapstructure:"udf"`
	Cubes    CubesConfig    `mapstructure:"cubes"`
	Cache    CacheConfig    `mapstructure:"cache"`
	S3       S3Config       `mapstructure:"s3"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport          string  `mapstructure:"transport"`
	HTTPPort           int     `mapstructure:"http_port"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	ShutdownTimeoutSec int     `mapstructure:"shutdown_timeout_sec"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend                string `mapstructure:"backend"`
	TimeoutSec             int    `mapstructure:"timeout_sec"`
	MemoryMB               int    `mapstructure:"memory_mb"`
	MaxSteps               uint64 `mapstructure:"max_steps"`
	CELCostLimit           uint64 `mapstructure:"cel_cost_limit"`
	WorkerBinary           string `mapstructure:"worker_binary"`
	Image                  string `mapstructure:"image"`
	EnableInProcessBackend bool   `mapstructure:"enable_inprocess_backend"`
}

// DispatchConfig sizes the execution pool
type DispatchConfig struct {
	PoolSize  int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
}

// UDFConfig holds function registry settings
type UDFConfig struct {
	FunctionsDir      string `mapstructure:"functions_dir"`
	DefaultEntrypoint string `mapstructure:"default_entrypoint"`
}

// CubesConfig controls server-side cube references
type CubesConfig struct {
	// BaseDir is the only directory local references may point into.
	BaseDir string `mapstructure:"base_dir"`
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Backend       string `mapstructure:"backend"`
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TTLSec        int    `mapstructure:"ttl_sec"`
	MaxEntries    int    `mapstructure:"max_entries"`
}

// S3Config holds credentials for s3:// cube references
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode       string `mapstructure:"mode"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New loads and validates the application configuration from the global viper instance
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads the configuration from v. The file named by the "config" key
// is used if set, config.yaml in . or ./config otherwise.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", TransportHTTP)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.shutdown_timeout_sec", 30)

	v.SetDefault("sandbox.backend", sandbox.BackendProcess)
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_steps", 0)
	v.SetDefault("sandbox.cel_cost_limit", 0)
	v.SetDefault("sandbox.worker_binary", "")
	v.SetDefault("sandbox.image", sandbox.DefaultImage)
	v.SetDefault("sandbox.enable_inprocess_backend", false)

	v.SetDefault("dispatch.pool_size", 0)
	v.SetDefault("dispatch.queue_size", 16)

	v.SetDefault("udf.functions_dir", "")
	v.SetDefault("udf.default_entrypoint", "apply_datacube")

	v.SetDefault("cubes.base_dir", "")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_address", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl_sec", 600)
	v.SetDefault("cache.max_entries", 1024)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportHTTP, TransportMCPStdio, TransportMCPHTTP:
	default:
		return fmt.Errorf("invalid server.transport: %s, must be '%s', '%s' or '%s'",
			c.Server.Transport, TransportHTTP, TransportMCPStdio, TransportMCPHTTP)
	}

	if c.Server.Transport != TransportMCPStdio && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative, got: %v", c.Server.RateLimitRPS)
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server.rate_limit_burst must be positive, got: %d", c.Server.RateLimitBurst)
	}

	if c.Server.ShutdownTimeoutSec <= 0 {
		return fmt.Errorf("server.shutdown_timeout_sec must be positive, got: %d", c.Server.ShutdownTimeoutSec)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	supportedBackends := map[string]bool{
		sandbox.BackendProcess:   true,
		sandbox.BackendDocker:    true,
		sandbox.BackendPodman:    true,
		sandbox.BackendInProcess: c.Sandbox.EnableInProcessBackend, // only if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Dispatch.PoolSize < 0 {
		return fmt.Errorf("dispatch.pool_size must not be negative, got: %d", c.Dispatch.PoolSize)
	}

	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must not be negative, got: %d", c.Dispatch.QueueSize)
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory":
		case "redis":
			if c.Cache.RedisAddress == "" {
				return fmt.Errorf("cache.redis_address is required for the redis cache")
			}
		default:
			return fmt.Errorf("invalid cache.backend: %s, must be 'memory' or 'redis'", c.Cache.Backend)
		}
		if c.Cache.TTLSec <= 0 {
			return fmt.Errorf("cache.ttl_sec must be positive, got: %d", c.Cache.TTLSec)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetShutdownTimeout returns how long shutdown waits for running requests
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// GetSandboxConfig returns the executor configuration
func (c *Config) GetSandboxConfig() *sandbox.Config {
	return &sandbox.Config{
		Backend:         c.Sandbox.Backend,
		TimeoutSec:      c.Sandbox.TimeoutSec,
		MemoryMB:        c.Sandbox.MemoryMB,
		MaxSteps:        c.Sandbox.MaxSteps,
		CELCostLimit:    c.Sandbox.CELCostLimit,
		WorkerBinary:    c.Sandbox.WorkerBinary,
		Image:           c.Sandbox.Image,
		EnableInProcess: c.Sandbox.EnableInProcessBackend,
	}
}

// GetDispatchConfig returns the dispatcher configuration
func (c *Config) GetDispatchConfig() dispatch.Config {
	return dispatch.Config{
		PoolSize:  c.Dispatch.PoolSize,
		QueueSize: c.Dispatch.QueueSize,
		Timeout:   c.GetTimeout(),
		MemoryMB:  c.Sandbox.MemoryMB,
	}
}
