// Package config loads tracevault settings from defaults, an optional YAML
// file and TRACEVAULT_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings.
type Config struct {
	// DataDir holds _meta.db and the per-project stores.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Backend is the store used for newly created projects.
	Backend string `yaml:"backend" validate:"oneof=sqlite badger"`

	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the MCP server transport.
type ServerConfig struct {
	Transport string `yaml:"transport" validate:"oneof=stdio http"`
	Port      int    `yaml:"port" validate:"min=1,max=65535"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig configures the Prometheus endpoint served in HTTP mode.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required,startswith=/"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir: "./data",
		Backend: "sqlite",
		Server: ServerConfig{
			Transport: "stdio",
			Port:      8081,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration. A missing file at path is not an error;
// an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadEnv(cfg *Config) error {
	if v := os.Getenv("TRACEVAULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRACEVAULT_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("TRACEVAULT_TRANSPORT"); v != "" {
		cfg.Server.Transport = v
	}
	if v := os.Getenv("TRACEVAULT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRACEVAULT_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TRACEVAULT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRACEVAULT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TRACEVAULT_METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACEVAULT_METRICS_ENABLED: %w", err)
		}
		cfg.Metrics.Enabled = enabled
	}
	if v := os.Getenv("TRACEVAULT_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
	return nil
}
