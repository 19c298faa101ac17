package parserkit

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cmspricing/refpipe/internal/schema"
)

// CanonicalizeNumeric rounds a single value with exact decimal
// arithmetic and renders it as a fixed-point string with exactly
// precision fractional digits. This is how values like 32.3465 survive
// Excel round-trips: never binary float.
func CanonicalizeNumeric(value string, precision int, mode schema.Rounding) (string, error) {
	v := strings.TrimSpace(value)
	v = strings.ReplaceAll(v, ",", "")
	if v == "" {
		return "", nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return "", fmt.Errorf("not a decimal number: %q", value)
	}
	switch mode {
	case schema.HalfEven:
		d = d.RoundBank(int32(precision))
	default: // HALF_UP
		d = d.Round(int32(precision))
	}
	return d.StringFixed(int32(precision)), nil
}

// EnforceNumerics canonicalizes every float column declared by the
// contract, moving unparseable values to rejects. Null cells pass
// through for nullable columns and are rejected otherwise.
func EnforceNumerics(t *Table, contract *schema.Contract, rejects *Rejects) *Table {
	type numericCol struct {
		idx int
		col *schema.Column
	}
	var cols []numericCol
	for i := range contract.Columns {
		col := &contract.Columns[i]
		if col.Type != "float" {
			continue
		}
		if idx := t.Col(col.Name); idx >= 0 {
			cols = append(cols, numericCol{idx, col})
		}
	}
	if len(cols) == 0 {
		return t
	}

	kept := t.CloneEmpty()
	for rowID, row := range t.Rows {
		bad := false
		for _, nc := range cols {
			raw := row[nc.idx]
			if raw == "" {
				if !nc.col.Nullable {
					rejects.Add(t, row, "NUMERIC_"+strings.ToUpper(nc.col.Name)+"_NULL",
						schema.Block, nc.col.Name+" is null but not nullable", rowID)
					bad = true
					break
				}
				continue
			}
			canonical, err := CanonicalizeNumeric(raw, nc.col.Precision, nc.col.Rounding)
			if err != nil {
				rejects.Add(t, row, "NUMERIC_"+strings.ToUpper(nc.col.Name)+"_INVALID",
					schema.Block, err.Error(), rowID)
				bad = true
				break
			}
			row[nc.idx] = canonical
		}
		if !bad {
			kept.Rows = append(kept.Rows, row)
		}
	}
	return kept
}
