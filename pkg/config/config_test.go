package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
batches_dir: ${BATCHMAN_TEST_DIR}/batches
log:
  level: INFO
disabled_providers: [exxa]
`

func TestLoad(t *testing.T) {
	t.Setenv("BATCHMAN_TEST_DIR", "/data")

	path := filepath.Join(t.TempDir(), "batchman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/batches", cfg.BatchesDir)
	assert.Equal(t, "providers_configs.jsonl", cfg.ConfigStore, "unset keys keep defaults")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "batchman.log", cfg.Log.File)
	assert.Equal(t, []string{"exxa"}, cfg.DisabledProviders)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batches_dir: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: parse")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no batches dir", func(c *Config) { c.BatchesDir = "" }, "batches_dir is required"},
		{"no config store", func(c *Config) { c.ConfigStore = "" }, "config_store is required"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"empty disabled", func(c *Config) { c.DisabledProviders = []string{""} }, "empty provider name"},
		{"duplicate disabled", func(c *Config) { c.DisabledProviders = []string{"exxa", "exxa"} }, "duplicate provider"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}
