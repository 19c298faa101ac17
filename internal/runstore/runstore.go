// Package runstore provides the SQLite-backed run-metadata store: the
// append-only record of ingestion batches with indexed hot columns and
// JSON blobs for the long tail. It is the only shared mutable state in
// the pipeline; every write is transactional and keyed by batch_id.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/models"
)

// Store wraps the SQL database connection.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates and configures the run-metadata database.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, log: log.Named("runstore")}, nil
}

// DB exposes the underlying connection for collaborating stores (geo
// tables, traces, alerts) that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingest_runs (
		batch_id TEXT PRIMARY KEY,
		release_id TEXT NOT NULL,
		dataset_name TEXT NOT NULL,
		source_url TEXT,
		vintage_date TEXT,
		product_year TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		duration_seconds REAL NOT NULL DEFAULT 0,
		input_record_count INTEGER NOT NULL DEFAULT 0,
		output_record_count INTEGER NOT NULL DEFAULT 0,
		rejected_record_count INTEGER NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0,
		schema_version TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		error_type TEXT,
		processing_cost_usd REAL NOT NULL DEFAULT 0,
		memory_usage_mb REAL NOT NULL DEFAULT 0,
		cpu_usage_percent REAL NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT 'system',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		source_files JSON,
		validation_results JSON,
		business_rules JSON,
		warnings JSON,
		stage_timings JSON,
		pillar_metrics JSON
	);

	CREATE INDEX IF NOT EXISTS idx_runs_dataset ON ingest_runs(dataset_name);
	CREATE INDEX IF NOT EXISTS idx_runs_release ON ingest_runs(release_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingest_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON ingest_runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_vintage ON ingest_runs(vintage_date);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateRun inserts a new running batch and returns its id.
func (s *Store) CreateRun(releaseID, datasetName string, sourceFiles []models.SourceFile, createdBy string) (string, error) {
	batchID := uuid.NewString()
	now := time.Now().UTC()

	sourceURL := ""
	if len(sourceFiles) > 0 {
		sourceURL = sourceFiles[0].URL
	}
	filesJSON, err := json.Marshal(sourceFiles)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO ingest_runs (
			batch_id, release_id, dataset_name, source_url, started_at,
			status, created_by, created_at, updated_at, source_files
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batchID, releaseID, datasetName, sourceURL, now,
		string(models.StatusRunning), createdBy, now, now, string(filesJSON))
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	s.log.Info("ingestion run created",
		zap.String("batch_id", batchID),
		zap.String("release_id", releaseID),
		zap.String("dataset", datasetName))
	return batchID, nil
}

// Progress carries the partial updates applied as stages finish. Nil
// fields leave the stored value untouched.
type Progress struct {
	VintageDate          *string
	ProductYear          *string
	InputRecordCount     *int
	OutputRecordCount    *int
	RejectedRecordCount  *int
	QualityScore         *float64
	SchemaVersion        *string
	ValidationResults    map[string]any
	BusinessRulesApplied []string
	Warnings             []string
	StageTimings         []models.StageTiming
	Pillars              *models.PillarMetrics
	MemoryUsageMB        *float64
	CPUUsagePercent      *float64
}

// UpdateRunProgress applies a partial update inside one transaction so a
// failed write leaves the prior snapshot intact.
func (s *Store) UpdateRunProgress(batchID string, p Progress) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := "updated_at = ?"
	args := []any{time.Now().UTC()}

	add := func(col string, v any) {
		set += ", " + col + " = ?"
		args = append(args, v)
	}
	if p.VintageDate != nil {
		add("vintage_date", *p.VintageDate)
	}
	if p.ProductYear != nil {
		add("product_year", *p.ProductYear)
	}
	if p.InputRecordCount != nil {
		add("input_record_count", *p.InputRecordCount)
	}
	if p.OutputRecordCount != nil {
		add("output_record_count", *p.OutputRecordCount)
	}
	if p.RejectedRecordCount != nil {
		add("rejected_record_count", *p.RejectedRecordCount)
	}
	if p.QualityScore != nil {
		add("quality_score", *p.QualityScore)
	}
	if p.SchemaVersion != nil {
		add("schema_version", *p.SchemaVersion)
	}
	if p.MemoryUsageMB != nil {
		add("memory_usage_mb", *p.MemoryUsageMB)
	}
	if p.CPUUsagePercent != nil {
		add("cpu_usage_percent", *p.CPUUsagePercent)
	}
	for col, v := range map[string]any{
		"validation_results": p.ValidationResults,
		"business_rules":     p.BusinessRulesApplied,
		"warnings":           p.Warnings,
		"stage_timings":      p.StageTimings,
		"pillar_metrics":     p.Pillars,
	} {
		if isNilish(v) {
			continue
		}
		blob, err := json.Marshal(v)
		if err != nil {
			return err
		}
		add(col, string(blob))
	}

	args = append(args, batchID)
	res, err := tx.Exec("UPDATE ingest_runs SET "+set+" WHERE batch_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no run with batch_id %s", batchID)
	}
	return tx.Commit()
}

func isNilish(v any) bool {
	switch x := v.(type) {
	case map[string]any:
		return x == nil
	case []string:
		return x == nil
	case []models.StageTiming:
		return x == nil
	case *models.PillarMetrics:
		return x == nil
	}
	return v == nil
}

// CompleteRun records the terminal status, output count, error info, and
// processing cost for a batch.
func (s *Store) CompleteRun(batchID string, status models.RunStatus, outputCount int, errorMessage, errorType string, costUSD float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE ingest_runs SET
			status = ?, ended_at = ?, updated_at = ?,
			duration_seconds = (julianday(?) - julianday(started_at)) * 86400.0,
			output_record_count = ?, error_message = ?, error_type = ?,
			processing_cost_usd = ?
		WHERE batch_id = ?`,
		string(status), now, now, now, outputCount,
		nullIfEmpty(errorMessage), nullIfEmpty(errorType), costUSD, batchID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no run with batch_id %s", batchID)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.Info("ingestion run completed",
		zap.String("batch_id", batchID),
		zap.String("status", string(status)),
		zap.Int("output_records", outputCount))
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetRunMetadata loads one batch by id.
func (s *Store) GetRunMetadata(batchID string) (*models.Batch, error) {
	row := s.db.QueryRow(selectColumns+" FROM ingest_runs WHERE batch_id = ?", batchID)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no run with batch_id %s", batchID)
	}
	return b, err
}

// GetRecentRuns returns the most recent batches, newest first.
func (s *Store) GetRecentRuns(limit int) ([]*models.Batch, error) {
	rows, err := s.db.Query(selectColumns+" FROM ingest_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetRecentRunsForDataset returns recent batches of one dataset.
func (s *Store) GetRecentRunsForDataset(dataset string, limit int) ([]*models.Batch, error) {
	rows, err := s.db.Query(selectColumns+
		" FROM ingest_runs WHERE dataset_name = ? ORDER BY started_at DESC LIMIT ?", dataset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetRunStatistics aggregates batches started in the last N days.
func (s *Store) GetRunStatistics(days int) (*models.RunStatistics, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_seconds), 0),
			COALESCE(AVG(quality_score), 0),
			COALESCE(SUM(output_record_count), 0),
			COALESCE(SUM(rejected_record_count), 0),
			COALESCE(SUM(input_record_count), 0)
		FROM ingest_runs WHERE started_at >= ?`, cutoff)

	var stats models.RunStatistics
	var totalOutput, totalRejected, totalInput int64
	if err := row.Scan(&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns,
		&stats.AvgDurationSeconds, &stats.AvgQualityScore,
		&totalOutput, &totalRejected, &totalInput); err != nil {
		return nil, err
	}
	stats.WindowDays = days
	stats.TotalOutputRecords = totalOutput
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns)
	}
	if totalInput > 0 {
		stats.RejectionRate = float64(totalRejected) / float64(totalInput)
	}
	return &stats, nil
}

const selectColumns = `SELECT
	batch_id, release_id, dataset_name, source_url, vintage_date, product_year,
	started_at, ended_at, duration_seconds,
	input_record_count, output_record_count, rejected_record_count,
	quality_score, schema_version, status, error_message, error_type,
	processing_cost_usd, memory_usage_mb, cpu_usage_percent,
	created_by, created_at, updated_at,
	source_files, validation_results, business_rules, warnings,
	stage_timings, pillar_metrics`

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*models.Batch, error) {
	var b models.Batch
	var sourceURL, vintageDate, productYear, schemaVersion, errMsg, errType sql.NullString
	var endedAt sql.NullTime
	var filesJSON, validationJSON, rulesJSON, warningsJSON, timingsJSON, pillarsJSON sql.NullString
	var status string

	err := row.Scan(
		&b.BatchID, &b.ReleaseID, &b.DatasetName, &sourceURL, &vintageDate, &productYear,
		&b.StartTime, &endedAt, &b.DurationSeconds,
		&b.InputRecordCount, &b.OutputRecordCount, &b.RejectedRecordCount,
		&b.QualityScore, &schemaVersion, &status, &errMsg, &errType,
		&b.ProcessingCostUSD, &b.MemoryUsageMB, &b.CPUUsagePercent,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
		&filesJSON, &validationJSON, &rulesJSON, &warningsJSON,
		&timingsJSON, &pillarsJSON)
	if err != nil {
		return nil, err
	}

	b.Status = models.RunStatus(status)
	b.SchemaVersion = schemaVersion.String
	b.ErrorMessage = errMsg.String
	b.ErrorType = errType.String
	if endedAt.Valid {
		t := endedAt.Time
		b.EndTime = &t
	}
	if sourceURL.String != "" {
		b.SourceURLs = []string{sourceURL.String}
	}
	unmarshalInto(filesJSON, &b.SourceFiles)
	unmarshalInto(validationJSON, &b.ValidationResults)
	unmarshalInto(rulesJSON, &b.BusinessRulesApplied)
	unmarshalInto(warningsJSON, &b.Warnings)
	unmarshalInto(timingsJSON, &b.StageTimings)
	unmarshalInto(pillarsJSON, &b.Pillars)
	return &b, nil
}

func unmarshalInto[T any](blob sql.NullString, dest *T) {
	if !blob.Valid || blob.String == "" {
		return
	}
	// Corrupt blobs degrade to empty fields rather than failing reads.
	_ = json.Unmarshal([]byte(blob.String), dest)
}
