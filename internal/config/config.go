// ABOUTME: Configuration loading and parsing for converge clients
// ABOUTME: Supports YAML files with environment variable expansion and tier validation

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment tiers. Group messaging is a privileged feature only
// available on the local and dev tiers.
const (
	EnvLocal      = "local"
	EnvDev        = "dev"
	EnvProduction = "production"
)

// Config represents the complete converge client configuration.
type Config struct {
	Env        string         `yaml:"env"`
	AppVersion string         `yaml:"app_version"`
	Database   DatabaseConfig `yaml:"database"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds local database configuration.
type DatabaseConfig struct {
	// Dir is the directory where per-client database files are created.
	// Each client gets one database file keyed by its identity address.
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Env == "" {
		cfg.Env = EnvLocal
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProduction:
	default:
		return fmt.Errorf("env must be one of local, dev, production (got %q)", c.Env)
	}

	if c.Database.Dir == "" {
		return fmt.Errorf("database.dir is required")
	}

	return nil
}

// GroupsEnabled reports whether the tier permits the group messaging
// feature. Production deployments reject group-capable clients outright.
func (c *Config) GroupsEnabled() bool {
	return c.Env != EnvProduction
}
