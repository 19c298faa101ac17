package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

const cfParserVersion = "v1.0.0"

// CMS authoritative values from the Federal Register. Parsed values
// deviating beyond ±0.01 emit WARN guardrails, never rejects.
var cmsKnownCF = map[string]map[string]string{
	"2025": {
		"physician":  "32.3465",
		"anesthesia": "20.3178",
	},
	"2024": {
		"physician": "33.0607", // CY-2024 original; mid-year AR 2024-03-09 -> 32.7442
	},
}

const cfGuardrailTolerance = 0.01

var cfAliases = map[string]string{
	"conversion factor": "cf_value",
	"conversion_factor": "cf_value",
	"cf":                "cf_value",
	"factor":            "cf_value",
	"value":             "cf_value",
	"source":            "cf_description",
	"description":       "cf_description",
	"notes":             "cf_description",
	"type":              "cf_type",
	"cf type":           "cf_type",
	"effective date":    "effective_from",
	"effective":         "effective_from",
	"effective_date":    "effective_from",
	"start date":        "effective_from",
	"end date":          "effective_to",
	"expiration":        "effective_to",
}

// ParseConversionFactor parses a Conversion Factor file (CSV, TSV, XLSX,
// or ZIP containing one of those) to the canonical schema. National
// physician and anesthesia CFs only; mid-year adjustments appear as
// additional rows with distinct effective_from.
func (p *Parser) ParseConversionFactor(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := p.Registry.Get(meta.SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	encoding, fallback := parserkit.DetectEncoding(content)
	p.Log.Info("CF parse started",
		zap.String("filename", filename),
		zap.String("release_id", meta.ReleaseID),
		zap.String("encoding", encoding))

	memberName := filename
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		memberName, content, err = zipMember(content, func(name string) bool {
			lower := strings.ToLower(name)
			return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".txt") ||
				strings.HasSuffix(lower, ".tsv") || strings.HasSuffix(lower, ".xlsx")
		})
		if err != nil {
			return parserkit.ParseResult{}, err
		}
	}

	var t *parserkit.Table
	if strings.HasSuffix(strings.ToLower(memberName), ".xlsx") {
		t, err = tableFromXLSX(content)
	} else {
		var text string
		text, encoding, fallback, err = parserkit.DecodeBody(content)
		if err != nil {
			return parserkit.ParseResult{}, err
		}
		t, err = tableFromCSV(text)
	}
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	if err := parserkit.NormalizeHeaders(t); err != nil {
		return parserkit.ParseResult{}, err
	}
	parserkit.ApplyAliases(t, cfAliases)
	parserkit.NormalizeStrings(t)

	// Infer cf_type when the file omits the column; anesthesia files name
	// themselves, everything else is the physician CF.
	if !t.HasColumn("cf_type") {
		inferred := "physician"
		if strings.Contains(strings.ToLower(filename), "anes") {
			inferred = "anesthesia"
		}
		t.AddColumn("cf_type", inferred)
	}
	if !t.HasColumn("effective_from") {
		t.AddColumn("effective_from", meta.ProductYear+"-01-01")
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	t = parserkit.EnforceCategoricals(t, contract, rejects)
	t = parserkit.EnforceNumerics(t, contract, rejects)
	t = enforceDates(t, contract, rejects)
	t = p.enforceCFRange(t, rejects)

	guardrails := p.cfGuardrails(t, meta.ProductYear)

	extra := parserkit.Metrics{
		"skiprows_dynamic":   0,
		"range_reject_count": countRule(rejects, "cf_value_range"),
		"row_count_by_type":  countBy(t, "cf_type"),
	}
	if len(guardrails) > 0 {
		extra["guardrail_warnings"] = guardrails
	}

	result, err := seal(t, sealOptions{
		contract:      contract,
		meta:          meta,
		totalRows:     totalRows,
		rejects:       rejects,
		enforceKeys:   true,
		encoding:      encoding,
		fallback:      fallback,
		start:         start,
		parserVersion: cfParserVersion,
		extra:         extra,
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("CF parse completed",
		zap.Int("rows", result.Data.Len()),
		zap.Int("rejects", result.Rejects.Len()),
		zap.Int("guardrail_warnings", len(guardrails)))
	return result, nil
}

// enforceCFRange rejects cf_value outside (0, 200].
func (p *Parser) enforceCFRange(t *parserkit.Table, rejects *parserkit.Rejects) *parserkit.Table {
	idx := t.Col("cf_value")
	if idx < 0 {
		return t
	}
	kept := t.CloneEmpty()
	for rowID, row := range t.Rows {
		v := row[idx]
		if v == "" {
			kept.Rows = append(kept.Rows, row)
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil || d.Sign() <= 0 || d.GreaterThan(decimal.NewFromInt(200)) {
			rejects.Add(t, row, "cf_value_range", schema.Block,
				fmt.Sprintf("cf_value %s out of range (0, 200]", v), rowID)
			continue
		}
		kept.Rows = append(kept.Rows, row)
	}
	return kept
}

// cfGuardrails compares parsed values against the known CMS table.
func (p *Parser) cfGuardrails(t *parserkit.Table, productYear string) []string {
	known, ok := cmsKnownCF[productYear]
	if !ok {
		return nil
	}
	tolerance := decimal.NewFromFloat(cfGuardrailTolerance)
	var warnings []string
	for r := 0; r < t.Len(); r++ {
		cfType := t.Value(r, "cf_type")
		expected, ok := known[cfType]
		if !ok {
			continue
		}
		// Mid-year adjustment rows are expected to differ from the
		// January 1 value; the guardrail covers the annual rate only.
		if from := t.Value(r, "effective_from"); from != "" && from != productYear+"-01-01" {
			continue
		}
		got, err := decimal.NewFromString(t.Value(r, "cf_value"))
		if err != nil {
			continue
		}
		want, _ := decimal.NewFromString(expected)
		if got.Sub(want).Abs().GreaterThan(tolerance) {
			w := fmt.Sprintf("%s cf_value %s deviates from CMS %s value %s",
				cfType, got.String(), productYear, expected)
			warnings = append(warnings, w)
			p.Log.Warn("CF guardrail deviation", zap.String("cf_type", cfType),
				zap.String("parsed", got.String()), zap.String("expected", expected))
		}
	}
	return warnings
}

func countRule(rejects *parserkit.Rejects, ruleID string) int {
	n := 0
	for r := 0; r < rejects.Frame.Len(); r++ {
		if rejects.Frame.Value(r, "validation_rule_id") == ruleID {
			n++
		}
	}
	return n
}

func countBy(t *parserkit.Table, col string) map[string]int {
	counts := make(map[string]int)
	for r := 0; r < t.Len(); r++ {
		counts[t.Value(r, col)]++
	}
	return counts
}
