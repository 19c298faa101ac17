// Package paths centralizes the on-disk output layout.
//
// The tree is content-addressed by release and write-once: a rerun of the
// same release must use a distinct release_id.
//
//	<output_dir>/
//	  raw/<release_id>/files/<filename>
//	  raw/<release_id>/manifest.json
//	  stage/<release_id>/schema_contract.json
//	  curated/<dataset>/<release_id>/<dataset>.parquet
//	  curated/<dataset>/<release_id>/README.md
//	  quarantine/<release_id>/<dataset>_<reason>.parquet
//	  manifests/<run_id>.json
package paths

import (
	"os"
	"path/filepath"
)

// Layout resolves locations under a single output directory.
type Layout struct {
	OutputDir string
}

// DefaultOutputDir returns the output directory respecting environment
// variables, falling back to XDG data conventions.
func DefaultOutputDir() string {
	if dir := os.Getenv("REFPIPE_OUTPUT_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "refpipe")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local/share", "refpipe")
}

// DefaultDatabasePath returns the SQLite database path.
func DefaultDatabasePath() string {
	if path := os.Getenv("REFPIPE_DB_PATH"); path != "" {
		return path
	}
	return filepath.Join(DefaultOutputDir(), "refpipe.db")
}

func (l Layout) RawDir(releaseID string) string {
	return filepath.Join(l.OutputDir, "raw", releaseID)
}

func (l Layout) RawFile(releaseID, filename string) string {
	return filepath.Join(l.RawDir(releaseID), "files", filename)
}

func (l Layout) RawManifest(releaseID string) string {
	return filepath.Join(l.RawDir(releaseID), "manifest.json")
}

func (l Layout) StageContract(releaseID string) string {
	return filepath.Join(l.OutputDir, "stage", releaseID, "schema_contract.json")
}

func (l Layout) CuratedDir(dataset, releaseID string) string {
	return filepath.Join(l.OutputDir, "curated", dataset, releaseID)
}

func (l Layout) CuratedParquet(dataset, releaseID string) string {
	return filepath.Join(l.CuratedDir(dataset, releaseID), dataset+".parquet")
}

func (l Layout) CuratedReadme(dataset, releaseID string) string {
	return filepath.Join(l.CuratedDir(dataset, releaseID), "README.md")
}

func (l Layout) QuarantineFile(releaseID, dataset, reason string) string {
	return filepath.Join(l.OutputDir, "quarantine", releaseID, dataset+"_"+reason+".parquet")
}

func (l Layout) RunManifest(runID string) string {
	return filepath.Join(l.OutputDir, "manifests", runID+".json")
}

// EnsureDir creates the parent directory of path.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
