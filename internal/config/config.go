// Package config holds the cockpit daemon configuration: one YAML file with
// environment variable overrides for the settings that differ per host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Scheduler kinds selectable in the configuration.
const (
	SchedulerInProcess = "inprocess"
	SchedulerSQLite    = "sqlite"
	SchedulerNATS      = "nats"
)

// Duration wraps time.Duration so YAML values can be written as "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the cockpit daemon configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Database  string          `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SchedulerConfig selects and tunes the tick scheduler.
type SchedulerConfig struct {
	Kind         string   `yaml:"kind"` // inprocess, sqlite, nats
	PollInterval Duration `yaml:"poll_interval"`
	Workers      int      `yaml:"workers"`
	GracePeriod  Duration `yaml:"grace_period"` // shutdown drain bound
}

// NATSConfig configures the NATS scheduler; only read when kind is "nats".
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Database: "flowlite.db",
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Kind:         SchedulerSQLite,
			PollInterval: Duration(250 * time.Millisecond),
			Workers:      4,
			GracePeriod:  Duration(10 * time.Second),
		},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the configuration file, fills defaults, applies FLOWLITE_*
// environment overrides, and validates the result. An empty path yields the
// defaults plus overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// .env files feed the FLOWLITE_* overrides in development setups; the
	// process environment always wins.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Allow ${VAR} references in the YAML content.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments override single settings without
// editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWLITE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLOWLITE_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("FLOWLITE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLOWLITE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FLOWLITE_SCHEDULER"); v != "" {
		cfg.Scheduler.Kind = v
	}
	if v := os.Getenv("FLOWLITE_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("FLOWLITE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Scheduler.Kind = strings.ToLower(strings.TrimSpace(cfg.Scheduler.Kind))
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = Duration(250 * time.Millisecond)
	}
	if cfg.Scheduler.GracePeriod <= 0 {
		cfg.Scheduler.GracePeriod = Duration(10 * time.Second)
	}
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	switch c.Scheduler.Kind {
	case SchedulerInProcess, SchedulerSQLite, SchedulerNATS:
	default:
		return fmt.Errorf("invalid scheduler kind %q", c.Scheduler.Kind)
	}
	if c.Scheduler.Kind == SchedulerNATS && c.NATS.URL == "" {
		return fmt.Errorf("nats scheduler requires nats.url")
	}
	if c.Database == "" {
		return fmt.Errorf("database path must not be empty")
	}
	return nil
}
