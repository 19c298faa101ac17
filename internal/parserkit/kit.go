package parserkit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/schema"
)

// RejectColumns are appended to the data columns of every reject frame.
var RejectColumns = []string{
	"validation_rule_id",
	"validation_severity",
	"validation_error",
	"schema_id",
	"release_id",
	"row_id",
}

// Rejects accumulates rows that failed a validation or uniqueness rule.
type Rejects struct {
	Frame     *Table
	dataCols  []string
	schemaID  string
	releaseID string
}

// NewRejects creates a reject collector over the given data columns.
func NewRejects(dataCols []string, schemaID, releaseID string) *Rejects {
	cols := append(append([]string(nil), dataCols...), RejectColumns...)
	return &Rejects{
		Frame:     NewTable(cols),
		dataCols:  append([]string(nil), dataCols...),
		schemaID:  schemaID,
		releaseID: releaseID,
	}
}

// Add records one rejected row. Values are copied by column name from
// the source table, so callers may add columns after the collector was
// created.
func (r *Rejects) Add(src *Table, row []string, ruleID string, severity schema.Severity, msg string, rowID int) {
	out := make([]string, len(r.Frame.Columns))
	for i, name := range r.dataCols {
		if idx := src.Col(name); idx >= 0 && idx < len(row) {
			out[i] = row[idx]
		}
	}
	n := len(r.dataCols)
	out[n+0] = ruleID
	out[n+1] = string(severity)
	out[n+2] = msg
	out[n+3] = r.schemaID
	out[n+4] = r.releaseID
	out[n+5] = strconv.Itoa(rowID)
	r.Frame.Rows = append(r.Frame.Rows, out)
}

// Len returns the number of rejected rows.
func (r *Rejects) Len() int { return r.Frame.Len() }

// Metadata carries the per-file context injected into canonical rows.
type Metadata struct {
	ReleaseID      string
	VintageDate    string // ISO date
	ProductYear    string
	QuarterVintage string
	SourceFilename string
	SourceSHA256   string
	SchemaID       string
	ParsedAt       time.Time
}

// Validate checks the required metadata keys and fails the parse before
// any bytes are read when one is missing.
func (m Metadata) Validate() error {
	missing := []string{}
	for _, kv := range []struct{ k, v string }{
		{"release_id", m.ReleaseID},
		{"schema_id", m.SchemaID},
		{"product_year", m.ProductYear},
		{"quarter_vintage", m.QuarterVintage},
		{"source_file_sha256", m.SourceSHA256},
	} {
		if kv.v == "" {
			missing = append(missing, kv.k)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf(errors.KindParse, "missing required metadata: %s", strings.Join(missing, ", "))
	}
	return nil
}

// EnforceCategoricals moves rows whose value falls outside a declared
// domain to rejects with rule id CATEGORY_<COL>_DOMAIN. Domains are
// case-sensitive after string normalization; null passes for nullable
// columns.
func EnforceCategoricals(t *Table, contract *schema.Contract, rejects *Rejects) *Table {
	type domainCol struct {
		idx      int
		col      *schema.Column
		domain   map[string]bool
		severity schema.Severity
	}
	var cols []domainCol
	for i := range contract.Columns {
		col := &contract.Columns[i]
		if len(col.Domain) == 0 {
			continue
		}
		idx := t.Col(col.Name)
		if idx < 0 {
			continue
		}
		domain := make(map[string]bool, len(col.Domain))
		for _, v := range col.Domain {
			domain[v] = true
		}
		severity := col.DomainSeverity
		if severity == "" {
			severity = schema.Block
		}
		cols = append(cols, domainCol{idx, col, domain, severity})
	}
	if len(cols) == 0 {
		return t
	}

	kept := t.CloneEmpty()
	for rowID, row := range t.Rows {
		bad := false
		for _, dc := range cols {
			v := row[dc.idx]
			if v == "" {
				if dc.col.Nullable {
					continue
				}
				rejects.Add(t, row, "CATEGORY_"+strings.ToUpper(dc.col.Name)+"_DOMAIN",
					dc.severity, dc.col.Name+" is null but not nullable", rowID)
				bad = true
				break
			}
			if !dc.domain[v] {
				rejects.Add(t, row, "CATEGORY_"+strings.ToUpper(dc.col.Name)+"_DOMAIN",
					dc.severity, fmt.Sprintf("value %q outside domain %v", v, dc.col.Domain), rowID)
				bad = true
				break
			}
		}
		if !bad {
			kept.Rows = append(kept.Rows, row)
		}
	}
	return kept
}

// NaturalKeyResult is the outcome of a WARN-severity uniqueness check.
type NaturalKeyResult struct {
	Unique     *Table
	Duplicates *Table
}

// CheckNaturalKeys groups rows by the contract's natural keys. With
// BLOCK severity a duplicate raises DuplicateKeyError carrying sample
// key tuples. With WARN severity the first occurrence of each key is
// retained and later occurrences move to the duplicates frame, ordered
// lexicographically by natural key then original position.
func CheckNaturalKeys(t *Table, contract *schema.Contract, severity schema.Severity, releaseID string) (*NaturalKeyResult, error) {
	keyIdx := make([]int, len(contract.NaturalKeys))
	for i, k := range contract.NaturalKeys {
		idx := t.Col(k)
		if idx < 0 {
			return nil, errors.Errorf(errors.KindParse, "natural key column missing: %s", k)
		}
		keyIdx[i] = idx
	}

	keyOf := func(row []string) string {
		parts := make([]string, len(keyIdx))
		for i, idx := range keyIdx {
			parts[i] = row[idx]
		}
		return strings.Join(parts, hashSeparator)
	}

	seen := make(map[string]int, t.Len())
	type dupe struct {
		key string
		pos int
		row []string
	}
	var dupes []dupe
	unique := t.CloneEmpty()
	for pos, row := range t.Rows {
		k := keyOf(row)
		if _, ok := seen[k]; ok {
			dupes = append(dupes, dupe{k, pos, row})
			continue
		}
		seen[k] = pos
		unique.Rows = append(unique.Rows, row)
	}

	if len(dupes) == 0 {
		return &NaturalKeyResult{Unique: unique, Duplicates: t.CloneEmpty()}, nil
	}

	sort.SliceStable(dupes, func(i, j int) bool {
		if dupes[i].key != dupes[j].key {
			return dupes[i].key < dupes[j].key
		}
		return dupes[i].pos < dupes[j].pos
	})

	if severity == schema.Block {
		samples := make([]string, 0, len(dupes))
		for _, d := range dupes {
			samples = append(samples, strings.ReplaceAll(d.key, hashSeparator, "|"))
		}
		return nil, errors.E(errors.KindParse, errors.CodeDuplicateKey,
			fmt.Sprintf("%d duplicate natural keys (%s)", len(dupes), strings.Join(contract.NaturalKeys, ", "))).
			WithEvidence(contract.ID(), samples)
	}

	rejects := NewRejects(t.Columns, contract.ID(), releaseID)
	for _, d := range dupes {
		rejects.Add(t, d.row, "NATURAL_KEY_DUPLICATE", schema.Warn,
			"duplicate natural key "+strings.ReplaceAll(d.key, hashSeparator, "|"), d.pos)
	}
	return &NaturalKeyResult{Unique: unique, Duplicates: rejects.Frame}, nil
}

// InjectMetadata appends the metadata columns to every row. parsed_at is
// rendered in UTC and is excluded from the content hash, so it may
// differ between runs of the same bytes.
func InjectMetadata(t *Table, meta Metadata) {
	t.AddColumn("release_id", meta.ReleaseID)
	t.AddColumn("vintage_date", meta.VintageDate)
	t.AddColumn("product_year", meta.ProductYear)
	t.AddColumn("quarter_vintage", meta.QuarterVintage)
	t.AddColumn("source_filename", meta.SourceFilename)
	t.AddColumn("source_file_sha256", meta.SourceSHA256)
	t.AddColumn("schema_id", meta.SchemaID)
	t.AddColumn("parsed_at", meta.ParsedAt.UTC().Format(time.RFC3339))
}

// HashRows computes row_content_hash for every row: SHA-256 over the
// schema column_order values joined by the reserved separator, rendered
// as 64 lowercase hex characters. Metadata columns are never hashed.
func HashRows(t *Table, contract *schema.Contract) error {
	idx := make([]int, len(contract.ColumnOrder))
	for i, name := range contract.ColumnOrder {
		j := t.Col(name)
		if j < 0 {
			return errors.Errorf(errors.KindInternal, "column_order names missing column %s", name)
		}
		idx[i] = j
	}
	t.AddColumn("row_content_hash", "")
	hashCol := t.Col("row_content_hash")

	var b strings.Builder
	for r := range t.Rows {
		b.Reset()
		for i, j := range idx {
			if i > 0 {
				b.WriteString(hashSeparator)
			}
			b.WriteString(t.Rows[r][j])
		}
		sum := sha256.Sum256([]byte(b.String()))
		t.Rows[r][hashCol] = hex.EncodeToString(sum[:])
	}
	return nil
}

// Finalize sorts rows by the given sort keys (the natural keys when nil),
// breaking ties lexicographically by the remaining data columns and then
// by original position, and returns the table.
func Finalize(t *Table, contract *schema.Contract, sortKeys []string) (*Table, error) {
	if sortKeys == nil {
		sortKeys = contract.NaturalKeys
	}
	keyIdx := make([]int, 0, len(sortKeys)+len(contract.ColumnOrder))
	seen := make(map[string]bool)
	for _, k := range sortKeys {
		idx := t.Col(k)
		if idx < 0 {
			return nil, errors.Errorf(errors.KindInternal, "sort key column missing: %s", k)
		}
		keyIdx = append(keyIdx, idx)
		seen[k] = true
	}
	for _, name := range contract.ColumnOrder {
		if seen[name] {
			continue
		}
		if idx := t.Col(name); idx >= 0 {
			keyIdx = append(keyIdx, idx)
		}
	}

	order := make([]int, t.Len())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := t.Rows[order[a]], t.Rows[order[b]]
		for _, idx := range keyIdx {
			if ra[idx] != rb[idx] {
				return ra[idx] < rb[idx]
			}
		}
		return order[a] < order[b]
	})
	sorted := make([][]string, t.Len())
	for i, o := range order {
		sorted[i] = t.Rows[o]
	}
	t.Rows = sorted
	return t, nil
}

// VerifyJoinInvariant asserts total == len(data) + len(rejects). Every
// parser calls this before returning; a violation is an internal error,
// never silently swallowed.
func VerifyJoinInvariant(total int, data, rejects *Table) error {
	if total != data.Len()+rejects.Len() {
		return errors.Errorf(errors.KindInternal,
			"join invariant violated: total_rows %d != %d data + %d rejects",
			total, data.Len(), rejects.Len())
	}
	return nil
}

// ParseResult is the triple every format parser returns.
type ParseResult struct {
	Data    *Table
	Rejects *Table
	Metrics Metrics
}

// Metrics is the per-parse metrics map.
type Metrics map[string]any

// BuildMetrics assembles the common parser metrics. Parser-specific
// stats are merged from extra.
func BuildMetrics(total, valid, rejects int, encoding string, fallback bool,
	duration time.Duration, parserVersion, schemaID string, extra Metrics) Metrics {

	rejectRate := 0.0
	if total > 0 {
		rejectRate = float64(rejects) / float64(total)
	}
	m := Metrics{
		"total_rows":         total,
		"valid_rows":         valid,
		"reject_rows":        rejects,
		"reject_rate":        rejectRate,
		"encoding_detected":  encoding,
		"encoding_fallback":  fallback,
		"parse_duration_sec": duration.Seconds(),
		"parser_version":     parserVersion,
		"schema_id":          schemaID,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
