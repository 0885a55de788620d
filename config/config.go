// Package config aggregates the storage core's top-level settings into a
// single struct loadable from a YAML file, following the teacher's
// per-component Config-struct-plus-yaml-tags convention.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arvindks/gojodb/pkg/logger"
	"github.com/arvindks/gojodb/pkg/telemetry"
)

// Config is the root configuration for a gojodb storage-core process.
type Config struct {
	// DataFile is the path to the disk manager's backing heap file.
	DataFile string `yaml:"data_file"`
	// PoolSize is the frame count of each buffer pool instance.
	PoolSize int `yaml:"pool_size"`
	// NumInstances is the number of parallel buffer pool shards. 1 means
	// a single, unsharded Instance.
	NumInstances int `yaml:"num_instances"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a Config usable without any file present: a small
// single-shard pool logging to stdout with telemetry disabled.
func Default() Config {
	return Config{
		DataFile:     "gojodb.db",
		PoolSize:     64,
		NumInstances: 1,
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojodb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads and parses a YAML config file at path, starting from Default
// so a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
