package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPageSize     int           `yaml:"max_page_size"`
}

// DatabaseConfig holds record store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds latest-record cache settings
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// AnalyticsConfig holds engine settings
type AnalyticsConfig struct {
	// SensorCodesPath points to an alternative sensor code table; empty uses the embedded one
	SensorCodesPath string `yaml:"sensor_codes_path"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxPageSize:     100,
		},
		Database: DatabaseConfig{
			Path: "gps_telemetry.db",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			DB:        0,
			Prefix:    "gps",
			LatestTTL: 48 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxPageSize <= 0 {
		return fmt.Errorf("max_page_size must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	return nil
}

func applyEnvironmentOverrides(cfg *Config) error {
	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	cfg.Database.Path = env("GPS_DB_PATH", cfg.Database.Path)
	cfg.Analytics.SensorCodesPath = env("GPS_SENSOR_CODES", cfg.Analytics.SensorCodesPath)
	set(envInt("GPS_PORT", &cfg.Server.Port))
	set(envInt("GPS_MAX_PAGE_SIZE", &cfg.Server.MaxPageSize))
	set(envDuration("GPS_READ_TIMEOUT", &cfg.Server.ReadTimeout))
	set(envDuration("GPS_WRITE_TIMEOUT", &cfg.Server.WriteTimeout))
	set(envDuration("GPS_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout))

	set(envBool("REDIS_ENABLED", &cfg.Redis.Enabled))
	cfg.Redis.Addr = env("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = env("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.Prefix = env("REDIS_PREFIX", cfg.Redis.Prefix)
	set(envInt("REDIS_DB", &cfg.Redis.DB))
	if v := os.Getenv("REDIS_LATEST_TTL_SEC"); v != "" {
		sec, e := strconv.Atoi(v)
		if e != nil {
			set(fmt.Errorf("invalid REDIS_LATEST_TTL_SEC: %w", e))
		} else {
			cfg.Redis.LatestTTL = time.Duration(sec) * time.Second
		}
	}

	return err
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, dst *int) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", k, err)
	}
	*dst = i
	return nil
}

func envBool(k string, dst *bool) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", k, err)
	}
	*dst = b
	return nil
}

func envDuration(k string, dst *time.Duration) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", k, err)
	}
	*dst = d
	return nil
}
