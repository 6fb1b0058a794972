// Package config loads citadel-fleet settings: environment-driven defaults,
// optionally overlaid by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/platform"
	"gopkg.in/yaml.v3"
)

// Config is the full set of settings for every subcommand.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Reporter ReporterConfig `yaml:"reporter"`
	Debug    bool           `yaml:"debug"`
}

// ServerConfig configures `serve` and the commands reading the log store.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	DBPath          string        `yaml:"db_path"`
	Retention       time.Duration `yaml:"retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`   // per client IP
	RateLimitBurst  int           `yaml:"rate_limit_burst"` // per client IP
	InitConcurrency int           `yaml:"init_concurrency"` // parallel resyncs when a watch starts
}

// RedisConfig locates the telemetry stream. An empty URL disables ingest.
type RedisConfig struct {
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
}

// ReporterConfig configures the machine-side `report` loop. Empty IDs are
// derived from the host.
type ReporterConfig struct {
	MachineID   string        `yaml:"machine_id"`
	MachineName string        `yaml:"machine_name"`
	Interval    time.Duration `yaml:"interval"`
	DiskPath    string        `yaml:"disk_path"`
	NvidiaSMI   string        `yaml:"nvidia_smi"`
}

// Default returns the settings used when no file is given, honouring
// CITADEL_FLEET_* and REDIS_* environment variables.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          getEnvOrDefault("CITADEL_FLEET_LISTEN", ":8080"),
			DBPath:          getEnvOrDefault("CITADEL_FLEET_DB", filepath.Join(platform.DataDir(), "fleet.db")),
			Retention:       getEnvDuration("CITADEL_FLEET_RETENTION", 30*24*time.Hour),
			SweepInterval:   getEnvDuration("CITADEL_FLEET_SWEEP_INTERVAL", time.Minute),
			QueryTimeout:    getEnvDuration("CITADEL_FLEET_QUERY_TIMEOUT", 30*time.Second),
			RateLimitRPS:    10,
			RateLimitBurst:  20,
			InitConcurrency: getEnvInt("CITADEL_FLEET_INIT_CONCURRENCY", 8),
		},
		Redis: RedisConfig{
			URL:           os.Getenv("REDIS_URL"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			Stream:        getEnvOrDefault("CITADEL_FLEET_STREAM", "machine:logs:stream"),
			ConsumerGroup: getEnvOrDefault("CONSUMER_GROUP", "citadel-fleet"),
		},
		Reporter: ReporterConfig{
			MachineID:   os.Getenv("CITADEL_FLEET_MACHINE_ID"),
			MachineName: os.Getenv("CITADEL_FLEET_MACHINE_NAME"),
			Interval:    getEnvDuration("CITADEL_FLEET_REPORT_INTERVAL", 30*time.Second),
			DiskPath:    "/",
			NvidiaSMI:   "nvidia-smi",
		},
		Debug: getEnvBool("CITADEL_FLEET_DEBUG", false),
	}
}

// Load returns Default overlaid with the YAML file at path, validated.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Listen != "", "server.listen is required")
	check(c.Server.DBPath != "", "server.db_path is required")
	check(c.Server.Retention > 0, "server.retention must be positive, got %s", c.Server.Retention)
	check(c.Server.SweepInterval > 0, "server.sweep_interval must be positive, got %s", c.Server.SweepInterval)
	check(c.Server.QueryTimeout > 0, "server.query_timeout must be positive, got %s", c.Server.QueryTimeout)
	check(c.Server.RateLimitRPS > 0, "server.rate_limit_rps must be positive, got %g", c.Server.RateLimitRPS)
	check(c.Server.RateLimitBurst >= 1, "server.rate_limit_burst must be at least 1, got %d", c.Server.RateLimitBurst)
	check(c.Server.InitConcurrency >= 1, "server.init_concurrency must be at least 1, got %d", c.Server.InitConcurrency)
	check(c.Redis.URL == "" || c.Redis.Stream != "", "redis.stream is required when redis.url is set")
	check(c.Redis.URL == "" || c.Redis.ConsumerGroup != "", "redis.consumer_group is required when redis.url is set")
	check(c.Reporter.Interval >= time.Second, "reporter.interval must be at least 1s, got %s", c.Reporter.Interval)

	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
