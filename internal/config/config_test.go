package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Addr:    ":9090",
		},
	}
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_RequiresDataDir(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfig_Validate_RejectsBadLogLevel(t *testing.T) {
	cfg := &Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "verbose"},
	}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_MetricsPathMustStartWithSlash(t *testing.T) {
	cfg := &Config{
		DataDir: "./data",
		Metrics: MetricsConfig{Enabled: true, Path: "metrics", Addr: ":9090"},
	}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_MetricsAddrRequiredWhenEnabled(t *testing.T) {
	cfg := &Config{
		DataDir: "./data",
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Addr: ""},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoad_DefaultsApplyWithNoConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
}
