package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/var/lib/surge", cfg.DataDir)
	assert.True(t, cfg.BootstrapSchema)
	assert.Equal(t, 30*time.Second, cfg.Partition.LeaseTTL)
	assert.Equal(t, 8, cfg.Converge.MaxConcurrent)
	assert.Equal(t, 5, cfg.Converge.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Converge.PendingDeadline)
	assert.Equal(t, "127.0.0.1:7090", cfg.API.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.NodeID = "node-1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing node id", func(c *Config) { c.NodeID = "" }, "node_id"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"zero lease ttl", func(c *Config) { c.Partition.LeaseTTL = 0 }, "lease_ttl"},
		{"zero concurrency", func(c *Config) { c.Converge.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero attempts", func(c *Config) { c.Converge.MaxAttempts = 0 }, "max_attempts"},
		{"missing endpoint", func(c *Config) { c.Provider.Endpoint = "" }, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "surge.yaml")
	data := `
node_id: node-1
data_dir: /tmp/surge-test
partition:
  lease_ttl: 45s
  bootstrap: true
converge:
  max_concurrent: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "/tmp/surge-test", cfg.DataDir)
	assert.Equal(t, 45*time.Second, cfg.Partition.LeaseTTL)
	assert.True(t, cfg.Partition.Bootstrap)
	assert.Equal(t, 2, cfg.Converge.MaxConcurrent)
	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Converge.StoreBackoff)
	assert.Equal(t, "http://127.0.0.1:8774", cfg.Provider.Endpoint)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "surge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\n"), 0o644))
	t.Setenv("SURGE_NODE_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestLoadDefaultsNeedNodeID(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	// Defaults alone load fine but do not validate: node_id has no
	// default and must come from the file, environment, or flags.
	cfg, err := Load("")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_id")
}
