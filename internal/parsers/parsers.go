// Package parsers implements the format-specific CMS file parsers. Every
// parser follows the same template over the parser kit: preflight
// metadata, sniff encoding, read the body by format, normalize names and
// strings, validate domains and ranges, canonicalize numerics, enforce
// natural keys, inject metadata, finalize, and return a ParseResult with
// metrics.
package parsers

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

// Parser parses CMS source files into canonical tables. The registry and
// logger are injected; Parser holds no other state and is safe for
// concurrent use across files.
type Parser struct {
	Log      *zap.Logger
	Registry *schema.Registry
}

// New creates a Parser.
func New(log *zap.Logger, reg *schema.Registry) *Parser {
	return &Parser{Log: log.Named("parsers"), Registry: reg}
}

// Route maps a source filename to its dataset name.
func Route(filename string) (string, error) {
	name := strings.ToLower(filename)
	for _, suffix := range []string{".gz", ".bz2"} {
		name = strings.TrimSuffix(name, suffix)
	}
	switch {
	case strings.Contains(name, "pprrvu"):
		return "pprrvu", nil
	case strings.Contains(name, "gpci"):
		return "gpci", nil
	case strings.Contains(name, "locco"):
		return "locality_raw", nil
	case strings.Contains(name, "conversion-factor") || strings.Contains(name, "cf-") ||
		strings.Contains(name, "anes"):
		return "conversion_factor", nil
	case strings.Contains(name, "zip"):
		return "zip_locality", nil
	}
	return "", errors.Errorf(errors.KindSource, "no parser routing for filename: %s", filename)
}

// tableFromCSV parses CSV or TSV text into a table using the first row
// as header. The delimiter is sniffed from the header line.
func tableFromCSV(text string) (*parserkit.Table, error) {
	text = strings.TrimLeft(text, "\uFEFF")
	head := text
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	delimiter := ','
	if strings.Count(head, "\t") > strings.Count(head, ",") {
		delimiter = '\t'
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.E(errors.KindParse, "csv read failed", err)
	}
	if len(records) == 0 {
		return nil, errors.Errorf(errors.KindParse, "empty file")
	}

	t := parserkit.NewTable(records[0])
	for _, rec := range records[1:] {
		row := make([]string, len(t.Columns))
		for i := range row {
			if i < len(rec) {
				row[i] = rec[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// tableFromXLSX reads the first sheet of a workbook as strings only,
// first row as header. Reading as strings avoids Excel numeric coercion;
// precision is recovered by the schema's decimal canonicalization.
func tableFromXLSX(content []byte) (*parserkit.Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, errors.E(errors.KindSource, "xlsx open failed", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Errorf(errors.KindSource, "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.E(errors.KindSource, "xlsx read failed", err)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf(errors.KindParse, "empty sheet")
	}

	t := parserkit.NewTable(rows[0])
	for _, rec := range rows[1:] {
		row := make([]string, len(t.Columns))
		for i := range row {
			if i < len(rec) {
				row[i] = rec[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// zipMember extracts the first archive member whose name matches, or the
// single member when match is nil.
func zipMember(content []byte, match func(name string) bool) (string, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", nil, errors.E(errors.KindSource, "unreadable zip archive", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if match != nil && !match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, errors.E(errors.KindSource, "zip member open failed", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", nil, errors.E(errors.KindSource, "zip member read failed", err)
		}
		return f.Name, data, nil
	}
	return "", nil, errors.Errorf(errors.KindSource, "no matching member in zip archive")
}

var (
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	usDateRe  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

// normalizeDate renders a date value as ISO YYYY-MM-DD. Accepts ISO and
// US MM/DD/YYYY input; anything else is an error.
func normalizeDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if isoDateRe.MatchString(v) {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return "", fmt.Errorf("invalid date %q", v)
		}
		return v, nil
	}
	if m := usDateRe.FindStringSubmatch(v); m != nil {
		parsed, err := time.Parse("1/2/2006", v)
		if err != nil {
			return "", fmt.Errorf("invalid date %q", v)
		}
		return parsed.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("unrecognized date format %q", v)
}

// enforceDates normalizes every date column declared by the contract,
// rejecting unparseable values and nulls in non-nullable columns.
func enforceDates(t *parserkit.Table, contract *schema.Contract, rejects *parserkit.Rejects) *parserkit.Table {
	type dateCol struct {
		idx int
		col *schema.Column
	}
	var cols []dateCol
	for i := range contract.Columns {
		col := &contract.Columns[i]
		if col.Type != "date" {
			continue
		}
		if idx := t.Col(col.Name); idx >= 0 {
			cols = append(cols, dateCol{idx, col})
		}
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
				if !dc.col.Nullable {
					rejects.Add(t, row, "DATE_"+strings.ToUpper(dc.col.Name)+"_NULL",
						schema.Block, dc.col.Name+" is null but not nullable", rowID)
					bad = true
					break
				}
				continue
			}
			iso, err := normalizeDate(v)
			if err != nil {
				rejects.Add(t, row, "DATE_"+strings.ToUpper(dc.col.Name)+"_INVALID",
					schema.Block, err.Error(), rowID)
				bad = true
				break
			}
			row[dc.idx] = iso
		}
		if !bad {
			kept.Rows = append(kept.Rows, row)
		}
	}
	return kept
}

// sealOptions carries the tail of the parse template shared by all
// parsers: natural keys, metadata, hashing, finalize, metrics.
type sealOptions struct {
	contract      *schema.Contract
	meta          parserkit.Metadata
	totalRows     int
	rejects       *parserkit.Rejects
	enforceKeys   bool // BLOCK natural-key uniqueness
	sortKeys      []string
	encoding      string
	fallback      bool
	start         time.Time
	parserVersion string
	extra         parserkit.Metrics
}

func seal(t *parserkit.Table, o sealOptions) (parserkit.ParseResult, error) {
	// Nullable contract columns the source omits are carried as null, so
	// natural keys and the row hash see every column_order column.
	for _, name := range o.contract.ColumnOrder {
		if col := o.contract.Column(name); col != nil && col.Nullable && !t.HasColumn(name) {
			t.AddColumn(name, "")
		}
	}

	if o.enforceKeys {
		if _, err := parserkit.CheckNaturalKeys(t, o.contract, schema.Block, o.meta.ReleaseID); err != nil {
			return parserkit.ParseResult{}, err
		}
	}

	parserkit.InjectMetadata(t, o.meta)
	if err := parserkit.HashRows(t, o.contract); err != nil {
		return parserkit.ParseResult{}, err
	}
	if _, err := parserkit.Finalize(t, o.contract, o.sortKeys); err != nil {
		return parserkit.ParseResult{}, err
	}

	if err := parserkit.VerifyJoinInvariant(o.totalRows, t, o.rejects.Frame); err != nil {
		return parserkit.ParseResult{}, err
	}

	metrics := parserkit.BuildMetrics(o.totalRows, t.Len(), o.rejects.Len(),
		o.encoding, o.fallback, time.Since(o.start), o.parserVersion, o.contract.ID(), o.extra)
	return parserkit.ParseResult{Data: t, Rejects: o.rejects.Frame, Metrics: metrics}, nil
}
