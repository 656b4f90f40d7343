package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for its configuration.
const DefaultPath = ".streamcheck/config.yaml"

// Config represents the runtime configuration from .streamcheck/config.yaml.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Verify    VerifyConfig    `yaml:"verify"`
	Reports   ReportsConfig   `yaml:"reports"`
	Events    EventsConfig    `yaml:"events"`
	Inspector InspectorConfig `yaml:"inspector"`
}

// VerifyConfig defines verification defaults.
type VerifyConfig struct {
	DefaultTimeout string `yaml:"default_timeout"` // Go duration, "0" waits forever
}

// ReportsConfig defines where run reports are kept.
type ReportsConfig struct {
	Path       string `yaml:"path"`
	Persist    bool   `yaml:"persist"`
	MaxEntries int    `yaml:"max_entries"`
}

// EventsConfig sizes the in-memory event history.
type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
}

// InspectorConfig defines the HTTP inspector settings.
type InspectorConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verify: VerifyConfig{
			DefaultTimeout: "10s",
		},
		Reports: ReportsConfig{
			Path:       ".streamcheck/reports.db",
			Persist:    true,
			MaxEntries: 1000,
		},
		Events: EventsConfig{
			HistorySize: 4096,
		},
		Inspector: InspectorConfig{
			Addr: "localhost:4200",
		},
	}
}

// LoadConfig reads and parses a runtime config YAML file.
// ${VAR} references are replaced with environment values before parsing.
// Returns default config if the file doesn't exist.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	interpolated := interpolateEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if _, err := cfg.Timeout(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if _, err := cfg.Level(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Timeout parses verify.default_timeout. Empty means no timeout.
func (c Config) Timeout() (time.Duration, error) {
	if c.Verify.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Verify.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("verify.default_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("verify.default_timeout: must not be negative")
	}
	return d, nil
}

// Level maps log_level onto a slog level.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match // Leave unresolved if not set.
	})
}
