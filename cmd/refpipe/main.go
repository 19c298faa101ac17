package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cmspricing/refpipe/internal/config"
)

// Version info
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "refpipe",
	Short: "CMS reference-data ingestion pipeline",
	Long: `refpipe acquires CMS-published reference bundles (RVU, GPCI, conversion
factors, locality crosswalks, ZIP locality files), parses them into a
deterministic canonical form, validates them against schema contracts,
and publishes idempotent content-addressed artifacts with full
provenance. A nearest-ZIP resolver runs over the published geography
tables.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	Example: `  # Ingest the annual conversion factor release
  refpipe ingest conversion_factor --release mpfs_2025_annual --url https://www.cms.gov/files/zip/cf-2025.zip

  # Resolve the nearest non-PO-Box ZIP
  refpipe resolve 94107-1234 --trace

  # Show recent batches
  refpipe status

  # Observability report for a dataset
  refpipe report zip_locality

  # Serve the API
  refpipe serve --port 8080`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("REFPIPE_CONFIG")
	}
	return config.Load(path)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if quiet {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
