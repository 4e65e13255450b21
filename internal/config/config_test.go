package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	defaults := schemas.DefaultScanConfig()
	assert.Equal(t, defaults.Timeout, cfg.Scanner.Timeout)
	assert.Equal(t, defaults.MaxJSFiles, cfg.Scanner.MaxJSFiles)
	assert.Equal(t, defaults.MaxAPIs, cfg.Scanner.MaxAPIs)
	assert.Equal(t, defaults.Concurrency, cfg.Scanner.Concurrency)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Database.URL)
}

func TestNewConfigFromViper_AppliesOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("scanner.concurrency", 3)
	v.Set("network.ignore_tls_errors", true)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scanner.Concurrency)
	assert.True(t, cfg.Network.IgnoreTLSErrors)
}

func TestNewConfigFromViper_RejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("scanner.max_apis", 0)

	_, err := NewConfigFromViper(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Scanner.Concurrency = 0 }},
		{"zero timeout", func(c *Config) { c.Scanner.Timeout = 0 }},
		{"zero max js files", func(c *Config) { c.Scanner.MaxJSFiles = 0 }},
		{"zero candidates per file", func(c *Config) { c.Scanner.MaxCandidatesPerFile = 0 }},
		{"zero body size", func(c *Config) { c.Network.MaxBodySize = 0 }},
		{"zero probe rate", func(c *Config) { c.Scanner.ProbeRateLimit = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScanConfig_CarriesScannerLimits(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Scanner.MaxAPIs = 7
	cfg.Scanner.Concurrency = 2

	sc := cfg.ScanConfig()
	assert.Equal(t, 7, sc.MaxAPIs)
	assert.Equal(t, 2, sc.Concurrency)
	assert.True(t, sc.EnableJSExtraction)
	assert.False(t, sc.UseAI)
}
