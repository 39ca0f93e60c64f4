// Package config loads the batchman YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "batchman.yaml"

// Config is the top-level batchman configuration.
type Config struct {
	BatchesDir        string    `yaml:"batches_dir"`
	ConfigStore       string    `yaml:"config_store"`
	Log               LogConfig `yaml:"log"`
	DisabledProviders []string  `yaml:"disabled_providers"`
}

// LogConfig controls where logs go.
type LogConfig struct {
	Level string `yaml:"level"` // Console level: debug, info, warn or error.
	File  string `yaml:"file"`  // Debug log file; empty disables it.
}

var levels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		BatchesDir:  "batches",
		ConfigStore: "providers_configs.jsonl",
		Log: LogConfig{
			Level: "warn",
			File:  "batchman.log",
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing file yields
// the defaults. Environment variables referenced as ${VAR} or $VAR are
// expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.BatchesDir == "" {
		return errors.New("config: batches_dir is required")
	}
	if c.ConfigStore == "" {
		return errors.New("config: config_store is required")
	}

	if _, ok := levels[c.Log.Level]; !ok {
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}

	seen := make(map[string]struct{}, len(c.DisabledProviders))
	for _, name := range c.DisabledProviders {
		if name == "" {
			return errors.New("config: disabled_providers: empty provider name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: disabled_providers: duplicate provider %q", name)
		}
		seen[name] = struct{}{}
	}

	return nil
}
