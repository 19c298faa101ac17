// Package layouts externalizes fixed-width column specifications for CMS
// files, versioned by year and quarter.
//
// Layout versions follow v{year}.{quarter}.{patch}. Column width or
// position changes require a major (year/quarter) bump; description-only
// changes bump the patch.
package layouts

import (
	"fmt"
	"strings"

	"github.com/cmspricing/refpipe/internal/errors"
)

// Field is one column of a fixed-width layout. Offsets are 0-based,
// End-exclusive. End == -1 means the remainder of the line.
type Field struct {
	Name      string
	Start     int
	End       int
	Type      string // string, float, date
	Precision int
	Nullable  bool
}

// Layout is a fixed-width file specification.
type Layout struct {
	Dataset       string
	Version       string // v{year}.{quarter}.{patch}
	MinLineLength int    // shorter lines are skipped, not fatal
	Fields        []Field
}

// ParseLine slices one line into trimmed field values. Lines shorter
// than MinLineLength produce a layout mismatch error; on longer lines a
// field that starts or ends past the end of the line is cut at the line
// end, so it yields a shorter or empty value rather than an error.
func (l *Layout) ParseLine(line string) (map[string]string, error) {
	if len(line) < l.MinLineLength {
		return nil, errors.E(errors.KindParse, errors.CodeLayoutMismatch,
			fmt.Sprintf("line length %d below layout minimum %d (%s %s)",
				len(line), l.MinLineLength, l.Dataset, l.Version))
	}
	values := make(map[string]string, len(l.Fields))
	for _, f := range l.Fields {
		end := f.End
		if end == -1 || end > len(line) {
			end = len(line)
		}
		start := f.Start
		if start > len(line) {
			start = len(line)
		}
		values[f.Name] = strings.TrimSpace(line[start:end])
	}
	return values, nil
}

var registry = map[string]map[string]*Layout{
	"pprrvu": {
		"2025": {
			Dataset:       "pprrvu",
			Version:       "v2025.4.0",
			MinLineLength: 43,
			Fields: []Field{
				{Name: "hcpcs", Start: 0, End: 5, Type: "string"},
				{Name: "modifier", Start: 6, End: 8, Type: "string", Nullable: true},
				{Name: "status_code", Start: 9, End: 10, Type: "string"},
				{Name: "work_rvu", Start: 10, End: 16, Type: "float", Precision: 2, Nullable: true},
				{Name: "pe_rvu_nonfac", Start: 16, End: 22, Type: "float", Precision: 2, Nullable: true},
				{Name: "pe_rvu_fac", Start: 22, End: 28, Type: "float", Precision: 2, Nullable: true},
				{Name: "mp_rvu", Start: 28, End: 34, Type: "float", Precision: 2, Nullable: true},
				{Name: "na_indicator", Start: 34, End: 35, Type: "string", Nullable: true},
				{Name: "global_days", Start: 35, End: 38, Type: "string", Nullable: true},
				{Name: "bilateral_ind", Start: 38, End: 39, Type: "string", Nullable: true},
				{Name: "multiple_proc_ind", Start: 39, End: 40, Type: "string", Nullable: true},
				{Name: "assistant_surg_ind", Start: 40, End: 41, Type: "string", Nullable: true},
				{Name: "co_surg_ind", Start: 41, End: 42, Type: "string", Nullable: true},
				{Name: "team_surg_ind", Start: 42, End: 43, Type: "string", Nullable: true},
			},
		},
	},
	"gpci": {
		"2025": {
			Dataset:       "gpci",
			Version:       "v2025.4.0",
			MinLineLength: 80,
			Fields: []Field{
				{Name: "mac", Start: 0, End: 5, Type: "string"},
				{Name: "state", Start: 6, End: 8, Type: "string"},
				{Name: "locality_code", Start: 9, End: 11, Type: "string"},
				{Name: "locality_name", Start: 12, End: 62, Type: "string", Nullable: true},
				{Name: "work_gpci", Start: 62, End: 68, Type: "float", Precision: 3},
				{Name: "pe_gpci", Start: 68, End: 74, Type: "float", Precision: 3},
				{Name: "mp_gpci", Start: 74, End: 80, Type: "float", Precision: 3},
			},
		},
	},
	"locality_raw": {
		"2025": {
			Dataset:       "locality_raw",
			Version:       "v2025.4.0",
			MinLineLength: 60,
			Fields: []Field{
				{Name: "mac", Start: 0, End: 5, Type: "string"},
				{Name: "locality_code", Start: 6, End: 8, Type: "string"},
				{Name: "state_name", Start: 9, End: 29, Type: "string", Nullable: true},
				{Name: "fee_area", Start: 29, End: 59, Type: "string", Nullable: true},
				{Name: "county_names", Start: 59, End: -1, Type: "string", Nullable: true},
			},
		},
	},
	// Zip Code to Carrier Locality file. ZIP5 rows and ZIP9 override rows
	// share this layout; rows with plus_four_flag='1' carry an extension.
	"zip_locality": {
		"2025": {
			Dataset:       "zip_locality",
			Version:       "v2025.3.0",
			MinLineLength: 80,
			Fields: []Field{
				{Name: "state", Start: 0, End: 2, Type: "string"},
				{Name: "zip5", Start: 2, End: 7, Type: "string"},
				{Name: "carrier", Start: 7, End: 12, Type: "string", Nullable: true},
				{Name: "locality", Start: 12, End: 14, Type: "string"},
				{Name: "rural_flag", Start: 14, End: 15, Type: "string", Nullable: true},
				{Name: "plus_four_flag", Start: 20, End: 21, Type: "string", Nullable: true},
				{Name: "plus_four", Start: 21, End: 25, Type: "string", Nullable: true},
			},
		},
	},
}

// Get returns the layout for a dataset and product year. The most recent
// layout at or before the requested year is used, so a 2026 file parses
// with the 2025 layout until CMS changes the format.
func Get(dataset, productYear string) (*Layout, error) {
	years, ok := registry[dataset]
	if !ok {
		return nil, errors.E(errors.KindParse, errors.CodeLayoutMismatch,
			fmt.Sprintf("no fixed-width layouts registered for dataset %s", dataset))
	}
	if l, ok := years[productYear]; ok {
		return l, nil
	}
	var best *Layout
	var bestYear string
	for year, l := range years {
		if year <= productYear && year > bestYear {
			best, bestYear = l, year
		}
	}
	if best == nil {
		return nil, errors.E(errors.KindParse, errors.CodeLayoutMismatch,
			fmt.Sprintf("no layout for dataset %s at or before year %s", dataset, productYear))
	}
	return best, nil
}
