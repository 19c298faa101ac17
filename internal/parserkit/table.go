// Package parserkit provides the shared utilities every format parser is
// built from: encoding detection, header and string normalization, exact
// decimal canonicalization, deterministic row hashing, categorical and
// natural-key enforcement, metadata injection, and parse metrics.
//
// The kit guarantees that the same bytes always produce the same
// canonical rows and hashes.
package parserkit

import "fmt"

// Table is an ordered column collection with string-rendered cells.
// The empty string represents null; numeric cells hold their canonical
// fixed-point rendering. Parsers build a Table, run it through the kit,
// and hand the result to the publish stage.
type Table struct {
	Columns []string
	Rows    [][]string

	colIndex map[string]int
}

// NewTable creates an empty table with the given columns.
func NewTable(columns []string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.colIndex = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.colIndex[c] = i
	}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Col returns the index of a column, or -1.
func (t *Table) Col(name string) int {
	if t.colIndex == nil {
		t.reindex()
	}
	if i, ok := t.colIndex[name]; ok {
		return i
	}
	return -1
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool { return t.Col(name) >= 0 }

// AppendRow adds a row. The row must have one cell per column.
func (t *Table) AppendRow(values []string) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(values), len(t.Columns))
	}
	t.Rows = append(t.Rows, values)
	return nil
}

// AppendMap adds a row from a column-name map; missing columns are null.
func (t *Table) AppendMap(values map[string]string) {
	row := make([]string, len(t.Columns))
	for name, v := range values {
		if i := t.Col(name); i >= 0 {
			row[i] = v
		}
	}
	t.Rows = append(t.Rows, row)
}

// Value returns the cell at (row, column name); "" when absent.
func (t *Table) Value(row int, name string) string {
	i := t.Col(name)
	if i < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][i]
}

// SetValue sets the cell at (row, column name).
func (t *Table) SetValue(row int, name, value string) {
	if i := t.Col(name); i >= 0 && row >= 0 && row < len(t.Rows) {
		t.Rows[row][i] = value
	}
}

// AddColumn appends a column filled with the given value.
func (t *Table) AddColumn(name, fill string) {
	if t.HasColumn(name) {
		i := t.Col(name)
		for r := range t.Rows {
			t.Rows[r][i] = fill
		}
		return
	}
	t.Columns = append(t.Columns, name)
	t.reindex()
	for r := range t.Rows {
		t.Rows[r] = append(t.Rows[r], fill)
	}
}

// RenameColumn renames a column in place; a no-op when from is absent.
func (t *Table) RenameColumn(from, to string) {
	if i := t.Col(from); i >= 0 {
		t.Columns[i] = to
		t.reindex()
	}
}

// CloneEmpty returns a new table with the same columns and no rows.
func (t *Table) CloneEmpty() *Table {
	return NewTable(t.Columns)
}

// Filter splits the table into rows where keep returns true and the rest.
// Row order is preserved in both halves.
func (t *Table) Filter(keep func(row []string) bool) (kept, dropped *Table) {
	kept, dropped = t.CloneEmpty(), t.CloneEmpty()
	for _, row := range t.Rows {
		if keep(row) {
			kept.Rows = append(kept.Rows, row)
		} else {
			dropped.Rows = append(dropped.Rows, row)
		}
	}
	return kept, dropped
}

// NonNullShare returns the fraction of non-null cells in a column,
// or 1.0 for an empty table.
func (t *Table) NonNullShare(name string) float64 {
	if t.Len() == 0 {
		return 1.0
	}
	i := t.Col(name)
	if i < 0 {
		return 0.0
	}
	n := 0
	for _, row := range t.Rows {
		if row[i] != "" {
			n++
		}
	}
	return float64(n) / float64(t.Len())
}
