// Package config loads crsqlite's operator-facing configuration: data
// directory, site-id persistence, merge policy, logging, and metrics.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level configuration for crsqlctl and any long-running
// crsqlite process (the `serve` subcommand).
type Config struct {
	// DataDir is the directory holding the managed SQLite database files.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// SiteIDPath is read into Config by Load, but nothing in this
	// repository reads it: the local site id is stored only in the
	// database's own crsql_local_site_id table, never in a separate file.
	SiteIDPath string `mapstructure:"site_id_path"`

	// MergeEqualValues controls whether an UPDATE that sets a column to
	// its current value still bumps col_version. Default false, the
	// less-surprising choice.
	MergeEqualValues bool `mapstructure:"merge_equal_values"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig mirrors internal/logger.Config's shape so both can be loaded
// from the same viper tree.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output     string `mapstructure:"output" validate:"omitempty,oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint exposed by `crsqlctl
// serve`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"omitempty,startswith=/"`
	Addr    string `mapstructure:"addr"`
}

var validate = validator.New()

// Load loads configuration from configPath (if non-empty) layered under
// environment variables and defaults.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("site_id_path", "")
	viper.SetDefault("merge_equal_values", false)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.addr", ":9090")
}

// Validate runs struct-tag validation and the cross-field checks viper
// tags alone cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr cannot be empty when metrics.enabled is true")
	}
	return nil
}
