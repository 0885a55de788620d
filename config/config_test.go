package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arvindks/gojodb/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := config.Default()
	assert.Greater(t, cfg.PoolSize, 0)
	assert.Greater(t, cfg.NumInstances, 0)
	assert.NotEmpty(t, cfg.DataFile)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojodb.yaml")
	yaml := "pool_size: 128\nlogger:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.PoolSize)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched fields keep their Default() values.
	assert.Equal(t, config.Default().NumInstances, cfg.NumInstances)
	assert.Equal(t, config.Default().DataFile, cfg.DataFile)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
