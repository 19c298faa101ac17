package observability

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/runstore"
)

// Alert is a persisted alert instance.
type Alert struct {
	ID          string         `json:"id"`
	Type        string         `json:"alert_type"`
	Severity    string         `json:"severity"` // low, medium, high, critical
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Rule is a declarative alert predicate over recent batches and the
// latest metrics. A zero CooldownMinutes means the configured default
// applies.
type Rule struct {
	RuleID          string
	Name            string
	AlertType       string
	Severity        string
	Condition       string
	Enabled         bool
	CooldownMinutes int
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:    "ingestion_failure",
			Name:      "Ingestion Failure",
			AlertType: "ingestion_failure",
			Severity:  "critical",
			Condition: "overall_status == failed",
			Enabled:   true, CooldownMinutes: 30,
		},
		{
			RuleID:    "high_error_rate",
			Name:      "High Error Rate",
			AlertType: "data_quality",
			Severity:  "high",
			Condition: "total_errors > 100",
			Enabled:   true, // cooldown from config
		},
		{
			RuleID:    "critical_anomaly",
			Name:      "Critical Anomaly Detected",
			AlertType: "anomaly",
			Severity:  "critical",
			Condition: "anomaly_severity == critical",
			Enabled:   true, CooldownMinutes: 15,
		},
		{
			RuleID:    "high_anomaly_count",
			Name:      "High Anomaly Count",
			AlertType: "anomaly",
			Severity:  "medium",
			Condition: "anomaly_count > 50",
			Enabled:   true, CooldownMinutes: 120,
		},
		{
			RuleID:    "no_recent_ingestion",
			Name:      "No Recent Ingestion",
			AlertType: "freshness",
			Severity:  "high",
			Condition: "hours_since_last_ingestion > 24",
			Enabled:   true, CooldownMinutes: 240,
		},
	}
}

// Signals are the evaluated inputs rules look at.
type Signals struct {
	LatestStatus            models.RunStatus
	TotalErrors             int
	HoursSinceLastIngestion float64
	AnomalySeverity         string
	AnomalyCount            int
}

// Engine evaluates rules and persists fired alerts with cooldowns.
type Engine struct {
	db    *sql.DB
	runs  *runstore.Store
	rules []Rule
	cfg   config.AlertsConfig
	log   *zap.Logger
	Now   func() time.Time
}

// NewEngine creates the alert engine on the shared database. The config
// supplies the default cooldown and the recent-batch window rules
// evaluate over; nil rules selects DefaultRules.
func NewEngine(db *sql.DB, runs *runstore.Store, rules []Rule, cfg config.AlertsConfig, log *zap.Logger) (*Engine, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 60
	}
	if cfg.RecentRunWindow <= 0 {
		cfg.RecentRunWindow = 20
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT 0,
			resolved_at TIMESTAMP,
			metadata JSON
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(alert_type);
		CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);`)
	if err != nil {
		return nil, fmt.Errorf("create alerts table: %w", err)
	}
	return &Engine{db: db, runs: runs, rules: rules, cfg: cfg, log: log.Named("alerts"), Now: time.Now}, nil
}

// BuildSignals derives rule inputs from the recent batches of a dataset
// and the latest observability report.
func (e *Engine) BuildSignals(dataset string, report *Report) (Signals, error) {
	recent, err := e.runs.GetRecentRunsForDataset(dataset, e.cfg.RecentRunWindow)
	if err != nil {
		return Signals{}, err
	}
	var s Signals
	now := e.Now().UTC()
	if len(recent) > 0 {
		s.LatestStatus = recent[0].Status
		s.HoursSinceLastIngestion = now.Sub(recent[0].StartTime).Hours()
		for _, b := range recent {
			s.TotalErrors += b.RejectedRecordCount
		}
	} else {
		s.HoursSinceLastIngestion = 1e9
	}
	if report != nil {
		for _, m := range report.Metrics {
			if m.Status == Critical {
				s.AnomalySeverity = "critical"
			}
			if anomaly, ok := m.Metadata["anomaly"].(bool); ok && anomaly {
				s.AnomalyCount++
			}
		}
	}
	return s, nil
}

// Check evaluates every enabled rule, honoring cooldowns: a rule does
// not re-fire while an unresolved alert of its type exists within the
// cooldown window. Fired alerts are persisted and returned.
func (e *Engine) Check(dataset string, signals Signals) ([]Alert, error) {
	var fired []Alert
	now := e.Now().UTC()
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		inCooldown, err := e.inCooldown(rule, now)
		if err != nil {
			return nil, err
		}
		if inCooldown {
			continue
		}
		if !evaluate(rule.Condition, signals) {
			continue
		}
		alert := Alert{
			ID:        rule.RuleID + "_" + uuid.NewString()[:8],
			Type:      rule.AlertType,
			Severity:  rule.Severity,
			Title:     rule.Name,
			Timestamp: now,
			Description: fmt.Sprintf("%s: condition %q met for dataset %s",
				rule.Name, rule.Condition, dataset),
			Metadata: map[string]any{
				"rule_id": rule.RuleID,
				"dataset": dataset,
			},
		}
		if err := e.persist(alert); err != nil {
			return fired, err
		}
		e.log.Warn("alert fired",
			zap.String("rule", rule.RuleID),
			zap.String("severity", rule.Severity),
			zap.String("dataset", dataset))
		fired = append(fired, alert)
	}
	return fired, nil
}

func evaluate(condition string, s Signals) bool {
	switch condition {
	case "overall_status == failed":
		return s.LatestStatus == models.StatusFailed
	case "total_errors > 100":
		return s.TotalErrors > 100
	case "hours_since_last_ingestion > 24":
		return s.HoursSinceLastIngestion > 24
	case "anomaly_severity == critical":
		return s.AnomalySeverity == "critical"
	case "anomaly_count > 50":
		return s.AnomalyCount > 50
	}
	return false
}

func (e *Engine) inCooldown(rule Rule, now time.Time) (bool, error) {
	minutes := rule.CooldownMinutes
	if minutes <= 0 {
		minutes = e.cfg.CooldownMinutes
	}
	cutoff := now.Add(-time.Duration(minutes) * time.Minute)
	var n int
	err := e.db.QueryRow(`
		SELECT COUNT(*) FROM alerts
		WHERE alert_type = ? AND resolved = 0 AND created_at >= ?`,
		rule.AlertType, cutoff).Scan(&n)
	return n > 0, err
}

func (e *Engine) persist(a Alert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = e.db.Exec(`
		INSERT INTO alerts (alert_id, alert_type, severity, title, description, created_at, resolved, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.Type, a.Severity, a.Title, a.Description, a.Timestamp, string(meta))
	return err
}

// Resolve marks an alert resolved.
func (e *Engine) Resolve(alertID string) error {
	now := e.Now().UTC()
	res, err := e.db.Exec(
		"UPDATE alerts SET resolved = 1, resolved_at = ? WHERE alert_id = ?", now, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no alert with id %s", alertID)
	}
	return nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (e *Engine) ActiveAlerts() ([]Alert, error) {
	rows, err := e.db.Query(`
		SELECT alert_id, alert_type, severity, title, description, created_at, resolved, resolved_at, metadata
		FROM alerts WHERE resolved = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var resolvedAt sql.NullTime
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Description,
			&a.Timestamp, &a.Resolved, &resolvedAt, &meta); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
