package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all configuration for the engine
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Partition string          `yaml:"partition"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	// Connection pool settings
	MaxConns int `yaml:"max_conns"`
	MinConns int `yaml:"min_conns"`
}

// RedisConfig holds L2 shared-cache configuration
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`

	// Channel used for invalidation fan-out to external consumers
	InvalidationChannel string `yaml:"invalidation_channel"`
}

// CacheConfig holds L1 process-local cache configuration
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Shards          int           `yaml:"shards"`
	MaxSizePerShard int           `yaml:"max_size_per_shard"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`

	// TTL for entries populated into L2
	SharedTTL time.Duration `yaml:"shared_ttl"`
}

// AggregateConfig holds aggregate refresh configuration
type AggregateConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	StalenessSLA    time.Duration `yaml:"staleness_sla"`
	LockLease       time.Duration `yaml:"lock_lease"`
}

// MonitorConfig holds pool health monitoring configuration
type MonitorConfig struct {
	Enabled              bool          `yaml:"enabled"`
	SampleInterval       time.Duration `yaml:"sample_interval"`
	UtilizationThreshold float64       `yaml:"utilization_threshold"`
	AlertCooldown        time.Duration `yaml:"alert_cooldown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getIntEnv("DB_PORT", 5432),
			Database: getEnv("DB_NAME", "postgres"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSLMODE", "prefer"),
			MaxConns: getIntEnv("DB_MAX_CONNS", 10),
			MinConns: getIntEnv("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Enabled:             getBoolEnv("REDIS_ENABLED", true),
			Addr:                getEnv("REDIS_ADDR", "localhost:6379"),
			Password:            getEnv("REDIS_PASSWORD", ""),
			DB:                  getIntEnv("REDIS_DB", 0),
			Timeout:             getDurationEnv("REDIS_TIMEOUT", 250*time.Millisecond),
			InvalidationChannel: getEnv("REDIS_INVALIDATION_CHANNEL", "hierarchy:invalidations"),
		},
		Cache: CacheConfig{
			Enabled:         getBoolEnv("CACHE_ENABLED", true),
			Shards:          getIntEnv("CACHE_SHARDS", 16),
			MaxSizePerShard: getIntEnv("CACHE_MAX_SIZE_PER_SHARD", 1024),
			CleanupInterval: getDurationEnv("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
			DefaultTTL:      getDurationEnv("CACHE_DEFAULT_TTL", 5*time.Minute),
			SharedTTL:       getDurationEnv("CACHE_SHARED_TTL", 15*time.Minute),
		},
		Aggregate: AggregateConfig{
			RefreshInterval: getDurationEnv("AGGREGATE_REFRESH_INTERVAL", time.Minute),
			StalenessSLA:    getDurationEnv("AGGREGATE_STALENESS_SLA", 5*time.Minute),
			LockLease:       getDurationEnv("AGGREGATE_LOCK_LEASE", 2*time.Minute),
		},
		Monitor: MonitorConfig{
			Enabled:              getBoolEnv("MONITOR_ENABLED", true),
			SampleInterval:       getDurationEnv("MONITOR_SAMPLE_INTERVAL", 15*time.Second),
			UtilizationThreshold: getFloatEnv("MONITOR_UTILIZATION_THRESHOLD", 0.80),
			AlertCooldown:        getDurationEnv("MONITOR_ALERT_COOLDOWN", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Partition: getEnv("HIERARCHY_PARTITION", "default"),
	}
}

// LoadConfigFile loads configuration from a YAML file, layered on top of the
// environment defaults. Fields absent from the file keep their env values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := LoadConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets duration from environment variable with default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets integer from environment variable with default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets float from environment variable with default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getBoolEnv gets boolean from environment variable with default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Partition == "" {
		return &ConfigError{Field: "HIERARCHY_PARTITION", Message: "partition identifier is required"}
	}
	if c.Database.Host == "" {
		return &ConfigError{Field: "DB_HOST", Message: "database host is required"}
	}
	if c.Cache.Shards <= 0 {
		return &ConfigError{Field: "CACHE_SHARDS", Message: "shard count must be positive"}
	}
	if c.Monitor.UtilizationThreshold <= 0 || c.Monitor.UtilizationThreshold > 1 {
		return &ConfigError{Field: "MONITOR_UTILIZATION_THRESHOLD", Message: "threshold must be in (0, 1]"}
	}
	if c.Aggregate.LockLease <= 0 {
		return &ConfigError{Field: "AGGREGATE_LOCK_LEASE", Message: "lock lease must be positive"}
	}
	return nil
}

// ConfigError represents configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
