package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/layouts"
	"github.com/cmspricing/refpipe/internal/parserkit"
)

const gpciParserVersion = "v1.0.0"

// Work GPCI guardrails; values outside emit WARN, never rejects.
var (
	gpciWorkLow  = decimal.NewFromFloat(0.5)
	gpciWorkHigh = decimal.NewFromFloat(2.0)
)

// expectedLocalityCount is the approximate Medicare locality count; a
// large shortfall is surfaced in metrics for the volume pillar.
const expectedLocalityCount = 109

var gpciAliases = map[string]string{
	"medicare administrative contractor": "mac",
	"carrier":          "mac",
	"locality":         "locality_code",
	"locality number":  "locality_code",
	"locality name":    "locality_name",
	"pw gpci":          "work_gpci",
	"work gpci":        "work_gpci",
	"pe gpci":          "pe_gpci",
	"mp gpci":          "mp_gpci",
	"effective date":   "effective_from",
	"effective_date":   "effective_from",
}

// ParseGPCI parses a Geographic Practice Cost Indices file, fixed-width
// TXT (layout registry), CSV, XLSX, or a ZIP containing one of those.
func (p *Parser) ParseGPCI(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := p.Registry.Get(meta.SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	memberName := filename
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		memberName, content, err = zipMember(content, func(name string) bool {
			return strings.Contains(strings.ToUpper(name), "GPCI")
		})
		if err != nil {
			return parserkit.ParseResult{}, err
		}
	}

	var t *parserkit.Table
	var encoding string
	var fallback bool
	skipped := 0
	var layoutVersion string

	if strings.HasSuffix(strings.ToLower(memberName), ".xlsx") {
		encoding = parserkit.EncodingUTF8
		t, err = tableFromXLSX(content)
		if err != nil {
			return parserkit.ParseResult{}, err
		}
		if herr := parserkit.NormalizeHeaders(t); herr != nil {
			return parserkit.ParseResult{}, herr
		}
		parserkit.ApplyAliases(t, gpciAliases)
	} else {
		var text string
		text, encoding, fallback, err = parserkit.DecodeBody(content)
		if err != nil {
			return parserkit.ParseResult{}, err
		}
		if isFixedWidth(text, memberName) {
			layout, lerr := layouts.Get("gpci", meta.ProductYear)
			if lerr != nil {
				return parserkit.ParseResult{}, lerr
			}
			layoutVersion = layout.Version
			t, skipped = tableFromFixedWidth(text, layout)
		} else {
			t, err = tableFromCSV(text)
			if err != nil {
				return parserkit.ParseResult{}, err
			}
			if herr := parserkit.NormalizeHeaders(t); herr != nil {
				return parserkit.ParseResult{}, herr
			}
			parserkit.ApplyAliases(t, gpciAliases)
		}
	}
	parserkit.NormalizeStrings(t)

	if !t.HasColumn("effective_from") {
		t.AddColumn("effective_from", meta.VintageDate)
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	t = parserkit.EnforceCategoricals(t, contract, rejects)
	t = parserkit.EnforceNumerics(t, contract, rejects)
	t = enforceDates(t, contract, rejects)

	guardrails := p.gpciGuardrails(t)

	extra := parserkit.Metrics{
		"skiprows_dynamic":        skipped,
		"locality_count":          t.Len(),
		"expected_locality_count": expectedLocalityCount,
	}
	if layoutVersion != "" {
		extra["layout_version"] = layoutVersion
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
		parserVersion: gpciParserVersion,
		extra:         extra,
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("GPCI parse completed",
		zap.Int("localities", result.Data.Len()),
		zap.Int("rejects", result.Rejects.Len()),
		zap.Int("guardrail_warnings", len(guardrails)))
	return result, nil
}

// gpciGuardrails flags work GPCI values outside [0.5, 2.0].
func (p *Parser) gpciGuardrails(t *parserkit.Table) []string {
	idx := t.Col("work_gpci")
	if idx < 0 {
		return nil
	}
	var warnings []string
	for r := 0; r < t.Len(); r++ {
		v := t.Rows[r][idx]
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			continue
		}
		if d.LessThan(gpciWorkLow) || d.GreaterThan(gpciWorkHigh) {
			w := fmt.Sprintf("locality %s work_gpci %s outside [0.5, 2.0]",
				t.Value(r, "locality_code"), v)
			warnings = append(warnings, w)
			p.Log.Warn("GPCI guardrail", zap.String("locality", t.Value(r, "locality_code")),
				zap.String("work_gpci", v))
		}
	}
	return warnings
}
