// Package config loads crdtsync configuration from YAML or CUE files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/crdtsync/internal/engine"
)

// Config is the complete crdtsync configuration.
type Config struct {
	Replica ReplicaConfig `yaml:"replica"`
	Sync    SyncConfig    `yaml:"sync"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ReplicaConfig locates the local database.
type ReplicaConfig struct {
	Database string `yaml:"database"`
}

// SyncConfig holds client sync settings.
type SyncConfig struct {
	Mode          string        `yaml:"mode"`
	ServerURL     string        `yaml:"server_url"`
	GroupID       string        `yaml:"group_id"`
	FileID        string        `yaml:"file_id"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	MaxRounds     int           `yaml:"max_rounds"`
	MaxRepeats    int           `yaml:"max_repeats"`
	MaxClockDrift time.Duration `yaml:"max_clock_drift"`
	PruneHorizon  time.Duration `yaml:"prune_horizon"`
}

// EngineConfig holds apply engine settings.
type EngineConfig struct {
	ExcludedDatasets []string `yaml:"excluded_datasets"`
}

// ServerConfig holds relay server settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	DataDir         string        `yaml:"data_dir"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	setDefaults(cfg)
	return cfg
}

// LoadConfig reads, defaults and validates a configuration file. Files
// ending in .cue are evaluated with CUE; anything else is parsed as YAML.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if strings.EqualFold(filepath.Ext(filePath), ".cue") {
		data, err = evalCUE(data, filePath)
		if err != nil {
			return nil, err
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// evalCUE evaluates a CUE document and returns it as JSON, which the YAML
// decoder accepts unchanged.
func evalCUE(data []byte, filename string) ([]byte, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue config: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("cue config is not concrete: %w", err)
	}
	out, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue config: %w", err)
	}
	return out, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Replica.Database == "" {
		cfg.Replica.Database = "crdtsync.db"
	}

	if cfg.Sync.Mode == "" {
		cfg.Sync.Mode = string(engine.ModeEnabled)
	}
	if cfg.Sync.RoundTimeout == 0 {
		cfg.Sync.RoundTimeout = 30 * time.Second
	}
	if cfg.Sync.MaxRounds == 0 {
		cfg.Sync.MaxRounds = 100
	}
	if cfg.Sync.MaxRepeats == 0 {
		cfg.Sync.MaxRepeats = 10
	}
	if cfg.Sync.MaxClockDrift == 0 {
		cfg.Sync.MaxClockDrift = 5 * time.Minute
	}

	if cfg.Engine.ExcludedDatasets == nil {
		cfg.Engine.ExcludedDatasets = append([]string(nil), engine.DefaultExcludedDatasets...)
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8006"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "crdtsync-relay"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 200
	}
	if cfg.Server.Burst == 0 {
		cfg.Server.Burst = 50
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := engine.ParseMode(c.Sync.Mode); err != nil {
		return fmt.Errorf("sync.mode: %w", err)
	}
	if c.Sync.RoundTimeout < 0 {
		return fmt.Errorf("sync.round_timeout must be positive")
	}
	if c.Sync.MaxRounds < 1 {
		return fmt.Errorf("sync.max_rounds must be at least 1")
	}
	if c.Sync.MaxRepeats < 1 {
		return fmt.Errorf("sync.max_repeats must be at least 1")
	}
	if c.Sync.PruneHorizon < 0 {
		return fmt.Errorf("sync.prune_horizon must not be negative")
	}
	if c.Sync.ServerURL != "" &&
		!strings.HasPrefix(c.Sync.ServerURL, "http://") && !strings.HasPrefix(c.Sync.ServerURL, "https://") {
		return fmt.Errorf("sync.server_url must be an http(s) url")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.Burst < 1 {
		return fmt.Errorf("server.burst must be at least 1")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
