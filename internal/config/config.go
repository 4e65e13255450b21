package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Scanner  ScannerConfig  `mapstructure:"scanner" yaml:"scanner"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details. When URL is empty the
// application runs with the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScannerConfig carries the per-task defaults applied when a scan is created
// without explicit overrides.
type ScannerConfig struct {
	Timeout              int     `mapstructure:"timeout" yaml:"timeout"`
	MaxJSFiles           int     `mapstructure:"max_js_files" yaml:"max_js_files"`
	MaxAPIs              int     `mapstructure:"max_apis" yaml:"max_apis"`
	Concurrency          int     `mapstructure:"concurrency" yaml:"concurrency"`
	MaxCandidatesPerFile int     `mapstructure:"max_candidates_per_file" yaml:"max_candidates_per_file"`
	ProbeRateLimit       float64 `mapstructure:"probe_rate_limit" yaml:"probe_rate_limit"`
}

// NetworkConfig tunes the HTTP client used for fetching and probing.
type NetworkConfig struct {
	MaxBodySize     int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// AIConfig configures the optional issue-verification model.
type AIConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "shadowmap")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Scanner --
	defaults := schemas.DefaultScanConfig()
	v.SetDefault("scanner.timeout", defaults.Timeout)
	v.SetDefault("scanner.max_js_files", defaults.MaxJSFiles)
	v.SetDefault("scanner.max_apis", defaults.MaxAPIs)
	v.SetDefault("scanner.concurrency", defaults.Concurrency)
	v.SetDefault("scanner.max_candidates_per_file", defaults.MaxCandidatesPerFile)
	v.SetDefault("scanner.probe_rate_limit", 20.0)

	// -- Network --
	v.SetDefault("network.max_body_size", 2<<20)
	v.SetDefault("network.user_agent", "shadowmap/1.0")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.dial_timeout", "5s")

	// -- AI --
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.api_timeout", "45s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "SHADOWMAP_DATABASE_URL")
	v.BindEnv("ai.api_key", "SHADOWMAP_AI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be a positive integer")
	}
	if c.Scanner.Timeout <= 0 {
		return fmt.Errorf("scanner.timeout must be a positive number of seconds")
	}
	if c.Scanner.MaxJSFiles <= 0 || c.Scanner.MaxAPIs <= 0 {
		return fmt.Errorf("scanner.max_js_files and scanner.max_apis must be positive")
	}
	if c.Scanner.MaxCandidatesPerFile <= 0 {
		return fmt.Errorf("scanner.max_candidates_per_file must be positive")
	}
	if c.Network.MaxBodySize <= 0 {
		return fmt.Errorf("network.max_body_size must be positive")
	}
	if c.Scanner.ProbeRateLimit <= 0 {
		return fmt.Errorf("scanner.probe_rate_limit must be positive")
	}
	return nil
}

// ScanConfig builds a per-task ScanConfig from the scanner defaults.
func (c *Config) ScanConfig() schemas.ScanConfig {
	sc := schemas.DefaultScanConfig()
	sc.Timeout = c.Scanner.Timeout
	sc.MaxJSFiles = c.Scanner.MaxJSFiles
	sc.MaxAPIs = c.Scanner.MaxAPIs
	sc.Concurrency = c.Scanner.Concurrency
	sc.MaxCandidatesPerFile = c.Scanner.MaxCandidatesPerFile
	return sc
}
