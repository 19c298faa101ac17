package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.TimeoutSeconds != 30 {
		t.Errorf("default HTTP timeout = %d, want 30", cfg.HTTP.TimeoutSeconds)
	}
	if cfg.HTTP.RetryAttempts != 3 {
		t.Errorf("default retry attempts = %d, want 3", cfg.HTTP.RetryAttempts)
	}
	if cfg.Pipeline.MaxProcessingTimeHours != 2.0 {
		t.Errorf("default batch budget = %f, want 2.0", cfg.Pipeline.MaxProcessingTimeHours)
	}
	if cfg.Pipeline.QualityThreshold != 0.95 {
		t.Errorf("default quality threshold = %f, want 0.95", cfg.Pipeline.QualityThreshold)
	}
	if cfg.Pipeline.CompletenessThreshold != 0.99 {
		t.Errorf("default completeness threshold = %f, want 0.99", cfg.Pipeline.CompletenessThreshold)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
output_dir: /data/refpipe
http:
  retry_attempts: 5
resolver:
  max_radius_miles: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OutputDir != "/data/refpipe" {
		t.Errorf("output dir = %q", cfg.OutputDir)
	}
	if cfg.HTTP.RetryAttempts != 5 {
		t.Errorf("retry attempts = %d, want 5", cfg.HTTP.RetryAttempts)
	}
	if cfg.Resolver.MaxRadiusMiles != 50 {
		t.Errorf("max radius = %f, want 50", cfg.Resolver.MaxRadiusMiles)
	}
	// Untouched sections keep defaults.
	if cfg.HTTP.TimeoutSeconds != 30 {
		t.Errorf("timeout = %d, want default 30", cfg.HTTP.TimeoutSeconds)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  retry_attempts: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for retry_attempts=0")
	}
}
