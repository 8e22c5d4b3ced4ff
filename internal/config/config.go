// ABOUTME: Configuration loading and parsing for loom-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Routing  RoutingConfig  `yaml:"routing"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	SessionPath string `yaml:"session_path"`
}

// DatabaseConfig holds snapshot database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RoutingConfig holds request routing and timing configuration
type RoutingConfig struct {
	DispatchTimeout time.Duration `yaml:"-"`
	SessionGrace    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
	SessionGraceRaw    string `yaml:"session_grace"`
}

// CatalogConfig holds the downstream catalog configuration
type CatalogConfig struct {
	ServerName string `yaml:"server_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Routing.DispatchTimeoutRaw != "" {
		cfg.Routing.DispatchTimeout, err = time.ParseDuration(cfg.Routing.DispatchTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing dispatch_timeout %q: %w", cfg.Routing.DispatchTimeoutRaw, err)
		}
	}

	if cfg.Routing.SessionGraceRaw != "" {
		cfg.Routing.SessionGrace, err = time.ParseDuration(cfg.Routing.SessionGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing session_grace %q: %w", cfg.Routing.SessionGraceRaw, err)
		}
	}

	return nil
}
