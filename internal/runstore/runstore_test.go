package runstore

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSourceFiles() []models.SourceFile {
	return []models.SourceFile{{
		URL:         "https://www.cms.gov/files/zip/rvu25a.zip",
		Filename:    "rvu25a.zip",
		ContentType: "application/zip",
		SizeBytes:   1024,
		SHA256:      "deadbeef",
	}}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)

	batchID, err := s.CreateRun("mpfs_2025_annual", "pprrvu", testSourceFiles(), "test")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if batchID == "" {
		t.Fatal("empty batch id")
	}

	b, err := s.GetRunMetadata(batchID)
	if err != nil {
		t.Fatalf("GetRunMetadata: %v", err)
	}
	if b.Status != models.StatusRunning {
		t.Errorf("status = %s, want running", b.Status)
	}
	if b.ReleaseID != "mpfs_2025_annual" || b.DatasetName != "pprrvu" {
		t.Errorf("release/dataset = %s/%s", b.ReleaseID, b.DatasetName)
	}
	if len(b.SourceFiles) != 1 || b.SourceFiles[0].Filename != "rvu25a.zip" {
		t.Errorf("source files = %+v", b.SourceFiles)
	}
	if b.Terminal() {
		t.Error("running batch must not be terminal")
	}
}

func TestUpdateProgressAndComplete(t *testing.T) {
	s := newTestStore(t)
	batchID, _ := s.CreateRun("mpfs_2025_annual", "gpci", testSourceFiles(), "test")

	in, out, rej := 120, 109, 11
	quality := 0.97
	vintage := "2025-01-01"
	err := s.UpdateRunProgress(batchID, Progress{
		VintageDate:          &vintage,
		InputRecordCount:     &in,
		OutputRecordCount:    &out,
		RejectedRecordCount:  &rej,
		QualityScore:         &quality,
		BusinessRulesApplied: []string{"gpci_range_guardrail", "natural_key_uniqueness"},
		Warnings:             []string{"work_gpci outside [0.5, 2.0] for locality 05"},
		StageTimings:         []models.StageTiming{{Stage: "validate", DurationSeconds: 1.5}},
		Pillars:              &models.PillarMetrics{QualityScore: 0.97, VolumeScore: 1.0},
	})
	if err != nil {
		t.Fatalf("UpdateRunProgress: %v", err)
	}

	if err := s.CompleteRun(batchID, models.StatusSuccess, out, "", "", 0.02); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	b, err := s.GetRunMetadata(batchID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.StatusSuccess || !b.Terminal() {
		t.Errorf("status = %s", b.Status)
	}
	if b.OutputRecordCount != 109 || b.RejectedRecordCount != 11 {
		t.Errorf("counts = %d/%d", b.OutputRecordCount, b.RejectedRecordCount)
	}
	if b.QualityScore != 0.97 {
		t.Errorf("quality = %f", b.QualityScore)
	}
	if len(b.BusinessRulesApplied) != 2 {
		t.Errorf("rules = %v", b.BusinessRulesApplied)
	}
	if len(b.Warnings) != 1 {
		t.Errorf("warnings = %v", b.Warnings)
	}
	if b.Pillars == nil || b.Pillars.QualityScore != 0.97 {
		t.Errorf("pillars = %+v", b.Pillars)
	}
	if b.EndTime == nil {
		t.Error("end time not set")
	}
}

func TestCompleteFailedRunRecordsError(t *testing.T) {
	s := newTestStore(t)
	batchID, _ := s.CreateRun("mpfs_2025_annual", "pprrvu", testSourceFiles(), "test")

	err := s.CompleteRun(batchID, models.StatusFailed, 0,
		"duplicate_key: 3 duplicate natural keys", "parse", 0.0)
	if err != nil {
		t.Fatal(err)
	}

	b, _ := s.GetRunMetadata(batchID)
	if b.Status != models.StatusFailed {
		t.Errorf("status = %s", b.Status)
	}
	if b.ErrorMessage == "" || b.ErrorType != "parse" {
		t.Errorf("error = %q type = %q", b.ErrorMessage, b.ErrorType)
	}
}

func TestGetRecentRunsOrder(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.CreateRun("rel_a", "gpci", testSourceFiles(), "test")
	second, _ := s.CreateRun("rel_b", "gpci", testSourceFiles(), "test")

	runs, err := s.GetRecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].BatchID != second || runs[1].BatchID != first {
		t.Errorf("order = %s, %s; want newest (rel_b) first", runs[0].ReleaseID, runs[1].ReleaseID)
	}
}

func TestGetRunStatistics(t *testing.T) {
	s := newTestStore(t)

	b1, _ := s.CreateRun("rel_a", "gpci", testSourceFiles(), "test")
	in := 100
	rej := 10
	q := 0.9
	s.UpdateRunProgress(b1, Progress{InputRecordCount: &in, RejectedRecordCount: &rej, QualityScore: &q})
	s.CompleteRun(b1, models.StatusSuccess, 90, "", "", 0)

	b2, _ := s.CreateRun("rel_b", "gpci", testSourceFiles(), "test")
	s.CompleteRun(b2, models.StatusFailed, 0, "boom", "source", 0)

	stats, err := s.GetRunStatistics(7)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 2 || stats.SuccessfulRuns != 1 || stats.FailedRuns != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("success rate = %f", stats.SuccessRate)
	}
	if stats.RejectionRate != 0.1 {
		t.Errorf("rejection rate = %f", stats.RejectionRate)
	}
	if stats.TotalOutputRecords != 90 {
		t.Errorf("output records = %d", stats.TotalOutputRecords)
	}
}

func TestUpdateUnknownBatchFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateRunProgress("nope", Progress{}); err == nil {
		t.Error("expected error for unknown batch")
	}
	if err := s.CompleteRun("nope", models.StatusSuccess, 0, "", "", 0); err == nil {
		t.Error("expected error for unknown batch")
	}
}
