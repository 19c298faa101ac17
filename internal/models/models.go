// Package models defines the core entities shared across the pipeline:
// source files, releases, and ingestion batches with their five-pillar
// metrics. Components reference each other through identifiers resolved
// via the run-metadata store; there are no object graph cycles.
package models

import "time"

// SourceFile references one upstream artifact. Immutable once discovery
// creates it.
type SourceFile struct {
	URL          string     `json:"url"`
	Filename     string     `json:"filename"`
	ContentType  string     `json:"content_type"`
	SizeBytes    int64      `json:"size_bytes"`
	SHA256       string     `json:"sha256"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ETag         string     `json:"etag,omitempty"`
}

// Release is a logical CMS publication owning source files and batches.
type Release struct {
	ReleaseID      string       `json:"release_id"`
	VintageDate    string       `json:"vintage_date"` // ISO date
	ProductYear    string       `json:"product_year"`
	QuarterVintage string       `json:"quarter_vintage"`
	SourceFiles    []SourceFile `json:"source_files"`
}

// RunStatus is the terminal or in-flight state of a batch.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusPartial   RunStatus = "partial"
	StatusCancelled RunStatus = "cancelled"
)

// PillarMetrics are the five-pillar observability numbers recorded on a
// batch: freshness, volume, schema, quality, lineage.
type PillarMetrics struct {
	FreshnessScore float64 `json:"freshness_score"`
	VolumeScore    float64 `json:"volume_score"`
	SchemaScore    float64 `json:"schema_score"`
	QualityScore   float64 `json:"quality_score"`
	LineageScore   float64 `json:"lineage_score"`
}

// StageTiming records wall-clock duration of one pipeline stage.
type StageTiming struct {
	Stage           string  `json:"stage"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Batch is one end-to-end execution of the pipeline over a release.
type Batch struct {
	BatchID     string `json:"batch_id"`
	ReleaseID   string `json:"release_id"`
	DatasetName string `json:"dataset_name"`

	SourceURLs  []string     `json:"source_urls"`
	SourceFiles []SourceFile `json:"source_files"`

	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`

	InputRecordCount    int     `json:"input_record_count"`
	OutputRecordCount   int     `json:"output_record_count"`
	RejectedRecordCount int     `json:"rejected_record_count"`
	QualityScore        float64 `json:"quality_score"`

	SchemaVersion        string         `json:"schema_version"`
	ValidationResults    map[string]any `json:"validation_results,omitempty"`
	BusinessRulesApplied []string       `json:"business_rules_applied,omitempty"`

	ProcessingCostUSD float64 `json:"processing_cost_usd"`
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	CPUUsagePercent   float64 `json:"cpu_usage_percent"`

	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`

	StageTimings []StageTiming  `json:"stage_timings,omitempty"`
	Pillars      *PillarMetrics `json:"pillar_metrics,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the batch reached a terminal status.
func (b *Batch) Terminal() bool {
	switch b.Status {
	case StatusSuccess, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// RunStatistics summarizes recent batches for operators and the alert
// engine.
type RunStatistics struct {
	WindowDays         int     `json:"window_days"`
	TotalRuns          int     `json:"total_runs"`
	SuccessfulRuns     int     `json:"successful_runs"`
	FailedRuns         int     `json:"failed_runs"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	AvgQualityScore    float64 `json:"avg_quality_score"`
	RejectionRate      float64 `json:"rejection_rate"`
	TotalOutputRecords int64   `json:"total_output_records"`
}
