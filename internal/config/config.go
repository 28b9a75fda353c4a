package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bridge's optional local-development overlay, loaded by
// cmd/bridge when its -config flag is set. In the sandbox runtime,
// environment variables (see env.go) are the source of truth; this file
// exists for local testing outside a sandbox, where a bridge.yaml is easier
// to iterate on than an exported environment.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TimeoutsConfig holds the bridge's tunable durations, expressed as
// Go duration strings (e.g. "120s"). Only SSEInactivity is applied (by
// cmd/bridge, falling back to the promptsession default when empty);
// PromptMaxDuration and SetupScript are parsed but no package reads them.
type TimeoutsConfig struct {
	SSEInactivity string `yaml:"sse_inactivity"`
	PromptMaxDuration string `yaml:"prompt_max_duration"`
	SetupScript   string `yaml:"setup_script"`
}

// Load reads and parses a YAML configuration file. A missing file is not an
// error: it returns an empty Config so callers fall back to env/defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParsedLevel parses the YAML-configured log level, defaulting to Info on
// an empty or unrecognized value.
func (c LoggingConfig) ParsedLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseDuration is a helper that parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
