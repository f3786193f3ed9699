// Package config provides configuration loading for the licco service:
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file consulted when no path is given.
const DefaultConfigFile = "licco.yaml"

// Config holds static service configuration (read-only after load).
type Config struct {
	Storage StorageConfig `yaml:"storage,omitempty"`
	Blob    BlobConfig    `yaml:"blob,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres. Defaults to sqlite.
	Driver      string `yaml:"driver,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// BlobConfig selects the export artifact store.
type BlobConfig struct {
	// Driver is one of fs, s3, memory. Defaults to fs.
	Driver string `yaml:"driver,omitempty"`
	// Root is the local directory for the fs driver.
	Root string `yaml:"root,omitempty"`
	// S3 settings apply when Driver is s3.
	S3Bucket    string `yaml:"s3_bucket,omitempty"`
	S3Region    string `yaml:"s3_region,omitempty"`
	S3Endpoint  string `yaml:"s3_endpoint,omitempty"`
	S3PathStyle bool   `yaml:"s3_path_style,omitempty"`
}

// MetricsConfig selects the metrics recorder.
type MetricsConfig struct {
	// Recorder is one of expvar, prometheus, none. Defaults to expvar.
	Recorder string `yaml:"recorder,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "licco.db"},
		Blob:    BlobConfig{Driver: "fs", Root: "./exportdata"},
		Metrics: MetricsConfig{Recorder: "expvar"},
	}
}

// Load reads the YAML config at path (DefaultConfigFile when empty), starting
// from defaults and finishing with environment overrides. A missing file is
// not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to env overrides
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets LICCO_* environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LICCO_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("LICCO_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("LICCO_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("LICCO_BLOB_DRIVER"); v != "" {
		c.Blob.Driver = v
	}
	if v := os.Getenv("LICCO_BLOB_ROOT"); v != "" {
		c.Blob.Root = v
	}
	if v := os.Getenv("LICCO_BLOB_S3_BUCKET"); v != "" {
		c.Blob.S3Bucket = v
	}
	if v := os.Getenv("LICCO_BLOB_S3_REGION"); v != "" {
		c.Blob.S3Region = v
	}
	if v := os.Getenv("LICCO_BLOB_S3_ENDPOINT"); v != "" {
		c.Blob.S3Endpoint = v
	}
	if v := os.Getenv("LICCO_METRICS_RECORDER"); v != "" {
		c.Metrics.Recorder = v
	}
}
