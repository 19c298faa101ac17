package observability

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/runstore"
	"github.com/cmspricing/refpipe/internal/schema"
)

func testStores(t *testing.T) *runstore.Store {
	t.Helper()
	s, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCollector(t *testing.T, runs *runstore.Store) *Collector {
	t.Helper()
	cfg := config.DefaultConfig().Pipeline
	c := NewCollector(runs, nil, schema.NewRegistry(), cfg, zap.NewNop())
	return c
}

func seedRun(t *testing.T, runs *runstore.Store, dataset string, status models.RunStatus, output int, quality float64) string {
	t.Helper()
	id, err := runs.CreateRun("rel_obs", dataset, []models.SourceFile{
		{URL: "https://cms.gov/f.zip", Filename: "f.zip", SHA256: "abc"},
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
	q := quality
	out := output
	if err := runs.UpdateRunProgress(id, runstore.Progress{OutputRecordCount: &out, QualityScore: &q}); err != nil {
		t.Fatal(err)
	}
	if err := runs.CompleteRun(id, status, output, "", "", 0); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCollectHealthy(t *testing.T) {
	runs := testStores(t)
	seedRun(t, runs, "gpci", models.StatusSuccess, 109, 0.98)

	c := testCollector(t, runs)
	report, err := c.Collect("gpci")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Metrics) != 5 {
		t.Fatalf("metrics = %d, want 5 pillars", len(report.Metrics))
	}
	byType := map[MetricType]Metric{}
	for _, m := range report.Metrics {
		byType[m.Type] = m
	}
	if byType[Freshness].Status != Healthy {
		t.Errorf("freshness = %+v", byType[Freshness])
	}
	if byType[Quality].Status != Healthy {
		t.Errorf("quality = %+v", byType[Quality])
	}
	if report.OverallHealthScore < 0.9 {
		t.Errorf("overall = %f", report.OverallHealthScore)
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("recommendations = %v", report.Recommendations)
	}
}

func TestCollectNoRunsIsCritical(t *testing.T) {
	runs := testStores(t)
	c := testCollector(t, runs)
	report, err := c.Collect("pprrvu")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range report.Metrics {
		if m.Type == Freshness && m.Status != Critical {
			t.Errorf("freshness with no runs = %s", m.Status)
		}
	}
	if report.OverallHealthScore > 0.5 {
		t.Errorf("overall = %f", report.OverallHealthScore)
	}
	if len(report.Recommendations) == 0 {
		t.Error("expected recommendations for unhealthy pillars")
	}
}

func TestFreshnessWindows(t *testing.T) {
	runs := testStores(t)
	seedRun(t, runs, "gpci", models.StatusSuccess, 109, 0.98)

	c := testCollector(t, runs)
	c.Cfg.ExpectedCadenceHours = 1
	c.Cfg.FreshnessGraceHours = 2

	// Age within cadence: healthy.
	report, _ := c.Collect("gpci")
	if report.Metrics[0].Status != Healthy {
		t.Errorf("fresh run = %s", report.Metrics[0].Status)
	}

	// Shift "now" past cadence but within grace: warning.
	c.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, _ = c.Collect("gpci")
	if report.Metrics[0].Status != Warning {
		t.Errorf("aged run = %s, want warning", report.Metrics[0].Status)
	}

	// Past cadence + grace: critical.
	c.Now = func() time.Time { return time.Now().Add(10 * time.Hour) }
	report, _ = c.Collect("gpci")
	if report.Metrics[0].Status != Critical {
		t.Errorf("stale run = %s, want critical", report.Metrics[0].Status)
	}
}

func TestQualityWeightedByVolume(t *testing.T) {
	runs := testStores(t)
	seedRun(t, runs, "gpci", models.StatusSuccess, 1000, 0.99)
	seedRun(t, runs, "gpci", models.StatusSuccess, 10, 0.50)

	c := testCollector(t, runs)
	report, _ := c.Collect("gpci")
	var quality Metric
	for _, m := range report.Metrics {
		if m.Type == Quality {
			quality = m
		}
	}
	// The big run dominates: score stays near 0.985.
	if quality.Value < 0.97 {
		t.Errorf("quality = %f, want volume-weighted near 0.985", quality.Value)
	}
}

func TestCompareColumns(t *testing.T) {
	tests := []struct {
		name     string
		actual   []string
		expected []string
		score    float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"one missing", []string{"a"}, []string{"a", "b"}, 0.9},
		{"one extra", []string{"a", "b", "c"}, []string{"a", "b"}, 0.95},
		{"both", []string{"a", "c"}, []string{"a", "b"}, 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _, _ := CompareColumns(tt.actual, tt.expected)
			if score != tt.score {
				t.Errorf("score = %f, want %f", score, tt.score)
			}
		})
	}
}

func TestOverallHealthWeights(t *testing.T) {
	now := time.Now()
	metrics := []Metric{
		{Type: Freshness, Value: 1.0, Timestamp: now},
		{Type: Volume, Value: 1.0, Timestamp: now},
		{Type: Schema, Value: 1.0, Timestamp: now},
		{Type: Quality, Value: 0.0, Timestamp: now},
		{Type: Lineage, Value: 1.0, Timestamp: now},
	}
	// All healthy except quality (weight 0.25): 0.75 overall.
	got := overallHealth(metrics)
	if got != 0.75 {
		t.Errorf("overall = %f, want 0.75", got)
	}
}

func TestAlertEngineFiresAndCoolsDown(t *testing.T) {
	runs := testStores(t)
	seedRun(t, runs, "gpci", models.StatusSuccess, 100, 0.99)
	failed, _ := runs.CreateRun("rel_fail", "gpci", nil, "test")
	runs.CompleteRun(failed, models.StatusFailed, 0, "boom", "source", 0)

	engine, err := NewEngine(runs.DB(), runs, nil, config.DefaultConfig().Alerts, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	signals, err := engine.BuildSignals("gpci", nil)
	if err != nil {
		t.Fatal(err)
	}
	if signals.LatestStatus != models.StatusFailed {
		t.Fatalf("latest status = %s", signals.LatestStatus)
	}

	fired, err := engine.Check("gpci", signals)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0].Type != "ingestion_failure" {
		t.Fatalf("fired = %+v", fired)
	}

	// Within the cooldown the same rule stays quiet.
	fired, err = engine.Check("gpci", signals)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 0 {
		t.Errorf("re-fired during cooldown: %+v", fired)
	}

	active, err := engine.ActiveAlerts()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d", len(active))
	}

	// Cooldown is keyed to unresolved alerts, so resolving clears both
	// the suppression and the active list.
	if err := engine.Resolve(active[0].ID); err != nil {
		t.Fatal(err)
	}
	active, _ = engine.ActiveAlerts()
	if len(active) != 0 {
		t.Errorf("active after resolve = %d", len(active))
	}
}

func TestAlertConditions(t *testing.T) {
	tests := []struct {
		condition string
		signals   Signals
		want      bool
	}{
		{"overall_status == failed", Signals{LatestStatus: models.StatusFailed}, true},
		{"overall_status == failed", Signals{LatestStatus: models.StatusSuccess}, false},
		{"total_errors > 100", Signals{TotalErrors: 150}, true},
		{"total_errors > 100", Signals{TotalErrors: 100}, false},
		{"hours_since_last_ingestion > 24", Signals{HoursSinceLastIngestion: 30}, true},
		{"anomaly_severity == critical", Signals{AnomalySeverity: "critical"}, true},
		{"anomaly_count > 50", Signals{AnomalyCount: 51}, true},
		{"unknown condition", Signals{}, false},
	}
	for _, tt := range tests {
		if got := evaluate(tt.condition, tt.signals); got != tt.want {
			t.Errorf("evaluate(%q, %+v) = %v", tt.condition, tt.signals, got)
		}
	}
}

func TestResolveUnknownAlert(t *testing.T) {
	runs := testStores(t)
	engine, err := NewEngine(runs.DB(), runs, nil, config.DefaultConfig().Alerts, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Resolve("nope"); err == nil {
		t.Error("expected error resolving unknown alert")
	}
}

func TestAlertConfigWiring(t *testing.T) {
	runs := testStores(t)
	// Two failed runs, each rejecting rows; a window of 1 must only see
	// the most recent one when building signals.
	for i := 0; i < 2; i++ {
		id, _ := runs.CreateRun("rel_cfg", "gpci", nil, "test")
		rej := 60
		runs.UpdateRunProgress(id, runstore.Progress{RejectedRecordCount: &rej})
		runs.CompleteRun(id, models.StatusFailed, 0, "boom", "source", 0)
	}

	cfg := config.AlertsConfig{CooldownMinutes: 5, RecentRunWindow: 1}
	engine, err := NewEngine(runs.DB(), runs, nil, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	signals, err := engine.BuildSignals("gpci", nil)
	if err != nil {
		t.Fatal(err)
	}
	if signals.TotalErrors != 60 {
		t.Errorf("total errors = %d, want 60 (window of 1 run)", signals.TotalErrors)
	}

	// high_error_rate carries no per-rule cooldown; fire it, then move
	// past the configured 5-minute cooldown and it must fire again.
	signals.TotalErrors = 150
	fired, err := engine.Check("gpci", signals)
	if err != nil {
		t.Fatal(err)
	}
	if !hasAlertType(fired, "data_quality") {
		t.Fatalf("fired = %+v, want data_quality", fired)
	}
	for _, a := range fired {
		if err := engine.Resolve(a.ID); err != nil {
			t.Fatal(err)
		}
	}

	engine.Now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	fired, err = engine.Check("gpci", signals)
	if err != nil {
		t.Fatal(err)
	}
	if !hasAlertType(fired, "data_quality") {
		t.Errorf("rule did not re-fire after the configured cooldown: %+v", fired)
	}
}

func hasAlertType(alerts []Alert, alertType string) bool {
	for _, a := range alerts {
		if a.Type == alertType {
			return true
		}
	}
	return false
}
