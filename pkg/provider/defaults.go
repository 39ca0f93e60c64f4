package provider

import (
	"os"
	"strings"

	"github.com/germanamz/batchman/pkg/configstore"
)

// EnvPrefix returns the environment variable prefix for a provider name:
// upper-cased, with dashes turned into underscores.
func EnvPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// DefaultConfig builds the config of a provider from {NAME}_API_KEY and
// {NAME}_BASE_URL. Unset variables leave the field empty.
func DefaultConfig(name string) configstore.Config {
	prefix := EnvPrefix(name)

	return configstore.Config{
		APIKey: os.Getenv(prefix + "_API_KEY"),
		URL:    os.Getenv(prefix + "_BASE_URL"),
	}
}

// ResolveConfig returns a copy of cfg, or DefaultConfig(name) when cfg is
// nil.
func ResolveConfig(name string, cfg *configstore.Config) configstore.Config {
	if cfg == nil {
		return DefaultConfig(name)
	}

	return cfg.Clone()
}
