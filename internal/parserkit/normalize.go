package parserkit

import (
	"strings"

	"github.com/cmspricing/refpipe/internal/errors"
)

// hashSeparator joins canonical values for hashing. It is reserved:
// string normalization strips it from every value, so it can never
// appear inside a normalized cell.
const hashSeparator = "\x1f"

// NormalizeHeader canonicalizes one column name: strip stray BOM
// characters, trim ASCII whitespace, collapse internal whitespace runs
// to single spaces, lowercase ASCII.
func NormalizeHeader(name string) string {
	name = strings.ReplaceAll(name, "\ufeff", "")
	name = strings.TrimSpace(name)
	name = strings.Join(strings.Fields(name), " ")
	return strings.ToLower(name)
}

// NormalizeHeaders canonicalizes the table's column names in place.
// A column whose name is empty after BOM stripping is rejected.
func NormalizeHeaders(t *Table) error {
	seen := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		name := NormalizeHeader(c)
		if name == "" {
			return errors.E(errors.KindParse, errors.CodeEncoding,
				"column name empty after BOM/whitespace normalization")
		}
		if seen[name] {
			return errors.Errorf(errors.KindParse, "duplicate column name after normalization: %s", name)
		}
		seen[name] = true
		t.Columns[i] = name
	}
	t.reindex()
	return nil
}

var stringReplacer = strings.NewReplacer(
	"\u00a0", " ", // non-breaking space
	"\t", " ",
	hashSeparator, " ",
)

// NormalizeString canonicalizes one string value: NBSP and tabs become
// spaces, leading and trailing whitespace is stripped.
func NormalizeString(v string) string {
	return strings.TrimSpace(stringReplacer.Replace(v))
}

// NormalizeStrings canonicalizes every cell of the table. Values that
// normalize to "" are null, since Table uses "" for null.
func NormalizeStrings(t *Table) {
	for r := range t.Rows {
		for c := range t.Rows[r] {
			t.Rows[r][c] = NormalizeString(t.Rows[r][c])
		}
	}
}

// ApplyAliases renames columns per a format-specific alias map keyed by
// normalized header name.
func ApplyAliases(t *Table, aliases map[string]string) {
	for i, c := range t.Columns {
		if canonical, ok := aliases[c]; ok {
			t.Columns[i] = canonical
		}
	}
	t.reindex()
}
