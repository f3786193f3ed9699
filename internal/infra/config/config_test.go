package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "licco.db" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Blob.Driver != "fs" || cfg.Blob.Root != "./exportdata" {
		t.Fatalf("unexpected blob defaults: %+v", cfg.Blob)
	}
	if cfg.Metrics.Recorder != "expvar" {
		t.Fatalf("unexpected metrics default: %+v", cfg.Metrics)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licco.yaml")
	content := `
storage:
  driver: postgres
  postgres_dsn: postgres://licco:secret@db:5432/licco
blob:
  driver: s3
  s3_bucket: licco-exports
  s3_region: us-west-2
  s3_path_style: true
metrics:
  recorder: prometheus
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.PostgresDSN == "" {
		t.Fatalf("storage section not applied: %+v", cfg.Storage)
	}
	// Unset file keys keep their defaults.
	if cfg.Storage.SQLitePath != "licco.db" {
		t.Fatalf("default lost on partial file: %+v", cfg.Storage)
	}
	if cfg.Blob.S3Bucket != "licco-exports" || !cfg.Blob.S3PathStyle {
		t.Fatalf("blob section not applied: %+v", cfg.Blob)
	}
	if cfg.Metrics.Recorder != "prometheus" {
		t.Fatalf("metrics section not applied: %+v", cfg.Metrics)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licco.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: sqlite\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LICCO_STORAGE_DRIVER", "memory")
	t.Setenv("LICCO_BLOB_DRIVER", "memory")
	t.Setenv("LICCO_METRICS_RECORDER", "none")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Blob.Driver != "memory" || cfg.Metrics.Recorder != "none" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licco.yaml")
	if err := os.WriteFile(path, []byte("storage: [not a map"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml must be rejected")
	}
}
