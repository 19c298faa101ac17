// Package observability implements the five-pillar health model over
// the published store and run metadata: freshness, volume, schema,
// quality, and lineage, plus the declarative alert rule engine.
package observability

import (
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/runstore"
	"github.com/cmspricing/refpipe/internal/schema"
)

// MetricType is one of the five pillars.
type MetricType string

const (
	Freshness MetricType = "freshness"
	Volume    MetricType = "volume"
	Schema    MetricType = "schema"
	Quality   MetricType = "quality"
	Lineage   MetricType = "lineage"
)

// Status grades one metric.
type Status string

const (
	Healthy  Status = "healthy"
	Warning  Status = "warning"
	Critical Status = "critical"
)

// Pillar weights for the overall health score.
var pillarWeights = map[MetricType]float64{
	Freshness: 0.25,
	Volume:    0.20,
	Schema:    0.20,
	Quality:   0.25,
	Lineage:   0.10,
}

// Metric is one observability measurement. Value is a score in [0,1];
// raw quantities live in Metadata.
type Metric struct {
	Type      MetricType     `json:"metric_type"`
	Name      string         `json:"metric_name"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Report is the observability document for one dataset.
type Report struct {
	DatasetName        string    `json:"dataset_name"`
	ReportTimestamp    time.Time `json:"report_timestamp"`
	OverallHealthScore float64   `json:"overall_health_score"`
	Metrics            []Metric  `json:"metrics"`
	Alerts             []Alert   `json:"alerts"`
	Recommendations    []string  `json:"recommendations"`
}

// RecordCounter reports the live row count of a published dataset.
// Satisfied by the geo store for geography datasets; nil means the
// count comes from run metadata alone.
type RecordCounter interface {
	RecordCount(table string) (int64, error)
}

// Collector assembles the five pillars for a dataset.
type Collector struct {
	Runs     *runstore.Store
	Counter  RecordCounter
	Registry *schema.Registry
	Cfg      config.PipelineConfig
	Log      *zap.Logger
	Now      func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(runs *runstore.Store, counter RecordCounter, reg *schema.Registry, cfg config.PipelineConfig, log *zap.Logger) *Collector {
	return &Collector{
		Runs:     runs,
		Counter:  counter,
		Registry: reg,
		Cfg:      cfg,
		Log:      log.Named("observability"),
		Now:      time.Now,
	}
}

// datasetTables maps datasets to their live published table, when one
// exists in the relational store.
var datasetTables = map[string]string{
	"zip_locality":   "cms_zip_locality",
	"zip9_overrides": "zip9_overrides",
}

// Collect computes all five pillars for one dataset.
func (c *Collector) Collect(dataset string) (*Report, error) {
	now := c.Now().UTC()
	recent, err := c.Runs.GetRecentRunsForDataset(dataset, 20)
	if err != nil {
		return nil, err
	}

	report := &Report{DatasetName: dataset, ReportTimestamp: now}
	report.Metrics = append(report.Metrics,
		c.freshness(dataset, recent, now),
		c.volume(dataset, recent, now),
		c.schemaDrift(dataset, now),
		c.quality(recent, now),
		c.lineage(recent, now),
	)
	report.OverallHealthScore = overallHealth(report.Metrics)
	report.Recommendations = recommendations(report.Metrics)
	return report, nil
}

func (c *Collector) freshness(dataset string, recent []*models.Batch, now time.Time) Metric {
	m := Metric{
		Type:      Freshness,
		Name:      dataset + "_age_hours",
		Threshold: c.Cfg.ExpectedCadenceHours,
		Timestamp: now,
		Metadata:  map[string]any{},
	}
	if len(recent) == 0 {
		m.Value = 0
		m.Status = Critical
		m.Metadata["reason"] = "no ingestion runs recorded"
		return m
	}
	ageHours := now.Sub(recent[0].StartTime).Hours()
	m.Metadata["age_hours"] = ageHours
	m.Metadata["last_run"] = recent[0].StartTime

	cadence := c.Cfg.ExpectedCadenceHours
	grace := c.Cfg.FreshnessGraceHours
	switch {
	case ageHours <= cadence:
		m.Status = Healthy
		m.Value = 1.0
	case ageHours <= cadence+grace:
		m.Status = Warning
		m.Value = 0.5
	default:
		m.Status = Critical
		m.Value = 0.0
	}
	return m
}

func (c *Collector) volume(dataset string, recent []*models.Batch, now time.Time) Metric {
	m := Metric{
		Type:      Volume,
		Name:      dataset + "_record_count",
		Threshold: 1.0 - c.Cfg.VolumeTolerance,
		Timestamp: now,
		Metadata:  map[string]any{},
	}

	// Expected volume is the mean of recent successful runs.
	var expected float64
	n := 0
	for _, b := range recent {
		if b.Status == models.StatusSuccess && b.OutputRecordCount > 0 {
			expected += float64(b.OutputRecordCount)
			n++
		}
	}
	if n == 0 {
		m.Value = 0.5
		m.Status = Warning
		m.Metadata["reason"] = "no successful runs to baseline volume"
		return m
	}
	expected /= float64(n)

	current := float64(0)
	if table, ok := datasetTables[dataset]; ok && c.Counter != nil {
		if count, err := c.Counter.RecordCount(table); err == nil {
			current = float64(count)
		}
	}
	if current == 0 && len(recent) > 0 {
		current = float64(recent[0].OutputRecordCount)
	}
	m.Metadata["current_count"] = current
	m.Metadata["expected_count"] = expected

	ratio := current / expected
	m.Metadata["ratio"] = ratio
	switch {
	case current == 0 || ratio < 0.5:
		m.Status = Critical
		m.Value = 0.0
		m.Metadata["anomaly"] = true
	case ratio < 1.0-c.Cfg.VolumeTolerance || ratio > 1.0+c.Cfg.VolumeTolerance:
		m.Status = Warning
		m.Value = 0.7
	default:
		m.Status = Healthy
		m.Value = 1.0
	}
	return m
}

func (c *Collector) schemaDrift(dataset string, now time.Time) Metric {
	m := Metric{
		Type:      Schema,
		Name:      dataset + "_schema_drift",
		Threshold: 0.9,
		Timestamp: now,
		Metadata:  map[string]any{},
	}
	contract, err := c.Registry.ForDataset(dataset)
	if err != nil {
		m.Value = 0
		m.Status = Critical
		m.Metadata["reason"] = err.Error()
		return m
	}
	m.Metadata["schema_id"] = contract.ID()

	// No live table schema is read. Both column sets are derived from the
	// registered contract (liveColumns for datasets with a relational
	// table), so the score is 1.0 for every dataset the registry knows.
	expected := append(append([]string(nil), contract.ColumnOrder...), "vintage")
	actual := expected
	if _, ok := datasetTables[dataset]; ok {
		actual = liveColumns(contract)
	}
	score, missing, extra := CompareColumns(actual, expected)
	m.Value = score
	if missing > 0 {
		m.Metadata["missing_columns"] = missing
	}
	if extra > 0 {
		m.Metadata["extra_columns"] = extra
	}
	switch {
	case score >= 0.9:
		m.Status = Healthy
	case score >= 0.7:
		m.Status = Warning
	default:
		m.Status = Critical
	}
	return m
}

// liveColumns models the relational projection of a contract: the
// store adds vintage and drops nothing.
func liveColumns(contract *schema.Contract) []string {
	return append(append([]string(nil), contract.ColumnOrder...), "vintage")
}

// CompareColumns scores schema drift: each missing column costs 0.10,
// each extra column 0.05.
func CompareColumns(actual, expected []string) (score float64, missing, extra int) {
	have := make(map[string]bool, len(actual))
	for _, c := range actual {
		have[c] = true
	}
	want := make(map[string]bool, len(expected))
	for _, c := range expected {
		want[c] = true
	}
	for _, c := range expected {
		if !have[c] {
			missing++
		}
	}
	for _, c := range actual {
		if !want[c] {
			extra++
		}
	}
	score = 1.0 - 0.10*float64(missing) - 0.05*float64(extra)
	if score < 0 {
		score = 0
	}
	return score, missing, extra
}

func (c *Collector) quality(recent []*models.Batch, now time.Time) Metric {
	m := Metric{
		Type:      Quality,
		Name:      "data_quality_score",
		Threshold: c.Cfg.QualityThreshold,
		Timestamp: now,
		Metadata:  map[string]any{},
	}
	if len(recent) == 0 {
		m.Value = 0
		m.Status = Critical
		return m
	}
	// Weight each run's quality by its output share so empty runs do not
	// dilute the signal.
	var weighted, totalRows float64
	for _, b := range recent {
		rows := float64(b.OutputRecordCount)
		if rows == 0 {
			continue
		}
		weighted += b.QualityScore * rows
		totalRows += rows
	}
	if totalRows == 0 {
		m.Value = 0
		m.Status = Critical
		m.Metadata["reason"] = "no rows in recent runs"
		return m
	}
	m.Value = weighted / totalRows
	m.Metadata["runs_considered"] = len(recent)
	switch {
	case m.Value >= c.Cfg.QualityThreshold:
		m.Status = Healthy
	case m.Value >= c.Cfg.QualityThreshold-0.05:
		m.Status = Warning
	default:
		m.Status = Critical
	}
	return m
}

func (c *Collector) lineage(recent []*models.Batch, now time.Time) Metric {
	m := Metric{
		Type:      Lineage,
		Name:      "lineage_coverage",
		Threshold: 0.8,
		Timestamp: now,
		Metadata:  map[string]any{},
	}
	if len(recent) == 0 {
		m.Value = 0
		m.Status = Critical
		return m
	}
	sources := map[string]bool{}
	withSources := 0
	for _, b := range recent {
		if len(b.SourceFiles) > 0 {
			withSources++
		}
		for _, sf := range b.SourceFiles {
			sources[sf.Filename] = true
		}
	}
	first := recent[len(recent)-1].StartTime
	last := recent[0].StartTime
	m.Metadata["ingest_run_count"] = len(recent)
	m.Metadata["distinct_source_files"] = len(sources)
	m.Metadata["first_ingestion"] = first
	m.Metadata["last_ingestion"] = last
	m.Metadata["hours_since_last"] = now.Sub(last).Hours()

	m.Value = float64(withSources) / float64(len(recent))
	switch {
	case m.Value >= 0.8:
		m.Status = Healthy
	case m.Value >= 0.5:
		m.Status = Warning
	default:
		m.Status = Critical
	}
	return m
}

func overallHealth(metrics []Metric) float64 {
	var weighted, totalWeight float64
	for _, m := range metrics {
		w, ok := pillarWeights[m.Type]
		if !ok {
			w = 0.1
		}
		weighted += m.Value * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

func recommendations(metrics []Metric) []string {
	var out []string
	for _, m := range metrics {
		if m.Status == Healthy {
			continue
		}
		switch m.Type {
		case Freshness:
			out = append(out, "Ingestion is stale; check the upstream CMS release schedule and scheduler health.")
		case Volume:
			out = append(out, "Record volume deviates from baseline; inspect the latest batch's reject counts.")
		case Schema:
			out = append(out, "Schema drift detected; diff the live table against the registered contract.")
		case Quality:
			out = append(out, "Quality score below threshold; review validation reports for the recent batches.")
		case Lineage:
			out = append(out, "Lineage coverage incomplete; verify source file metadata is recorded on each run.")
		}
	}
	return out
}
