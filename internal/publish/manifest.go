package publish

import (
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cmspricing/refpipe/internal/paths"
)

// DatasetManifest summarizes one dataset within a run.
type DatasetManifest struct {
	Name                  string   `json:"name"`
	Files                 []string `json:"files"`
	TotalRows             int      `json:"total_rows"`
	SuccessfulRows        int      `json:"successful_rows"`
	FailedRows            int      `json:"failed_rows"`
	ValidationErrors      int      `json:"validation_errors"`
	ValidationWarnings    int      `json:"validation_warnings"`
	ProcessingTimeSeconds float64  `json:"processing_time_seconds"`
}

// ManifestTotals aggregates across datasets.
type ManifestTotals struct {
	TotalRows      int `json:"total_rows"`
	SuccessfulRows int `json:"successful_rows"`
	FailedRows     int `json:"failed_rows"`
	Datasets       int `json:"datasets"`
}

// RunManifest is manifests/<run_id>.json: the per-run summary document.
type RunManifest struct {
	RunID                string            `json:"run_id"`
	ReleaseID            string            `json:"release_id"`
	SourceVersion        string            `json:"source_version"`
	RunType              string            `json:"run_type"`
	StartedAt            time.Time         `json:"started_at"`
	CompletedAt          time.Time         `json:"completed_at"`
	TotalDurationSeconds float64           `json:"total_duration_seconds"`
	Datasets             []DatasetManifest `json:"datasets"`
	OverallStatus        string            `json:"overall_status"`
	Totals               ManifestTotals    `json:"totals"`
}

// Finalize computes totals and duration before writing.
func (m *RunManifest) Finalize() {
	m.TotalDurationSeconds = m.CompletedAt.Sub(m.StartedAt).Seconds()
	m.Totals = ManifestTotals{Datasets: len(m.Datasets)}
	for _, d := range m.Datasets {
		m.Totals.TotalRows += d.TotalRows
		m.Totals.SuccessfulRows += d.SuccessfulRows
		m.Totals.FailedRows += d.FailedRows
	}
}

// WriteRunManifest persists the manifest under manifests/<run_id>.json.
func (p *Publisher) WriteRunManifest(m *RunManifest) error {
	m.Finalize()
	path := p.Layout.RunManifest(m.RunID)
	if err := paths.EnsureDir(path); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}

// ReadRunManifest loads a run manifest by id.
func ReadRunManifest(layout paths.Layout, runID string) (*RunManifest, error) {
	blob, err := os.ReadFile(layout.RunManifest(runID))
	if err != nil {
		return nil, err
	}
	var m RunManifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
