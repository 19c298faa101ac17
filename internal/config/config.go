package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmspricing/refpipe/internal/paths"
	"gopkg.in/yaml.v3"
)

// Config represents the refpipe configuration
type Config struct {
	OutputDir string         `yaml:"output_dir"`
	Database  DatabaseConfig `yaml:"database"` // SQLite settings
	HTTP      HTTPConfig     `yaml:"http"`     // Source acquisition
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Resolver  ResolverConfig `yaml:"resolver"`
	Server    ServerConfig   `yaml:"server"`
	Alerts    AlertsConfig   `yaml:"alerts"`
}

// DatabaseConfig contains SQLite database settings
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	CacheSize   int    `yaml:"cache_size"`   // in pages
	MMapSize    int64  `yaml:"mmap_size"`    // in bytes
	JournalMode string `yaml:"journal_mode"` // WAL
}

// HTTPConfig controls the Land-stage fetcher
type HTTPConfig struct {
	TimeoutSeconds        int     `yaml:"timeout_seconds"`         // per-request
	RetryAttempts         int     `yaml:"retry_attempts"`          // transport/5xx only
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"` // doubles per attempt
	ParallelFetches       int     `yaml:"parallel_fetches"`
	UserAgent             string  `yaml:"user_agent"`
}

// PipelineConfig controls batch execution
type PipelineConfig struct {
	MaxProcessingTimeHours float64 `yaml:"max_processing_time_hours"`
	ParallelParses         int     `yaml:"parallel_parses"`
	QualityThreshold       float64 `yaml:"quality_threshold"`      // overall
	CompletenessThreshold  float64 `yaml:"completeness_threshold"` // critical columns
	ExpectedCadenceHours   float64 `yaml:"expected_cadence_hours"`
	FreshnessGraceHours    float64 `yaml:"freshness_grace_hours"`
	VolumeTolerance        float64 `yaml:"volume_tolerance"` // fraction of expected
}

// ResolverConfig controls the nearest-ZIP resolver defaults
type ResolverConfig struct {
	UseNBER        bool    `yaml:"use_nber"`
	MaxRadiusMiles float64 `yaml:"max_radius_miles"`
}

// ServerConfig contains API server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// AlertsConfig controls the alert rule engine
type AlertsConfig struct {
	CooldownMinutes int `yaml:"cooldown_minutes"`
	RecentRunWindow int `yaml:"recent_run_window"` // rules evaluate over the last N batches
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		OutputDir: paths.DefaultOutputDir(),
		Database: DatabaseConfig{
			Path:        paths.DefaultDatabasePath(),
			CacheSize:   10000,
			MMapSize:    268435456, // 256MB
			JournalMode: "WAL",
		},
		HTTP: HTTPConfig{
			TimeoutSeconds:        30,
			RetryAttempts:         3,
			InitialBackoffSeconds: 1,
			ParallelFetches:       4,
			UserAgent:             "refpipe/1.0 (+https://github.com/cmspricing/refpipe)",
		},
		Pipeline: PipelineConfig{
			MaxProcessingTimeHours: 2.0,
			ParallelParses:         4,
			QualityThreshold:       0.95,
			CompletenessThreshold:  0.99,
			ExpectedCadenceHours:   24 * 95, // quarterly releases with slack
			FreshnessGraceHours:    72,
			VolumeTolerance:        0.15,
		},
		Resolver: ResolverConfig{
			UseNBER:        true,
			MaxRadiusMiles: 100,
		},
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Alerts: AlertsConfig{
			CooldownMinutes: 60,
			RecentRunWindow: 20,
		},
	}
}

// Load loads configuration from a file, merging over defaults.
// A missing file returns the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.OutputDir = expandPath(config.OutputDir)
	config.Database.Path = expandPath(config.Database.Path)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.HTTP.RetryAttempts < 1 {
		return fmt.Errorf("http.retry_attempts must be >= 1, got %d", c.HTTP.RetryAttempts)
	}
	if c.HTTP.ParallelFetches < 1 {
		return fmt.Errorf("http.parallel_fetches must be >= 1, got %d", c.HTTP.ParallelFetches)
	}
	if c.Pipeline.MaxProcessingTimeHours <= 0 {
		return fmt.Errorf("pipeline.max_processing_time_hours must be positive")
	}
	if c.Pipeline.QualityThreshold < 0 || c.Pipeline.QualityThreshold > 1 {
		return fmt.Errorf("pipeline.quality_threshold must be in [0,1]")
	}
	return nil
}

// Layout returns the on-disk layout rooted at the configured output dir.
func (c *Config) Layout() paths.Layout {
	return paths.Layout{OutputDir: c.OutputDir}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
