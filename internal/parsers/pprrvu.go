package parsers

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/layouts"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

const pprrvuParserVersion = "v1.0.0"

var hcpcsRe = regexp.MustCompile(`^[A-Z0-9]{5}$`)

var pprrvuAliases = map[string]string{
	"hcpcs code":         "hcpcs",
	"hcpcs_code":         "hcpcs",
	"hcpcs_cd":           "hcpcs",
	"cpt":                "hcpcs",
	"mod":                "modifier",
	"status":             "status_code",
	"stat":               "status_code",
	"global":             "global_days",
	"work rvu":           "work_rvu",
	"rvu_work":           "work_rvu",
	"work":               "work_rvu",
	"pe_nonfac_rvu":      "pe_rvu_nonfac",
	"non_fac_pe_rvu":     "pe_rvu_nonfac",
	"non-fac pe rvu":     "pe_rvu_nonfac",
	"pe_fac_rvu":         "pe_rvu_fac",
	"fac_pe_rvu":         "pe_rvu_fac",
	"fac pe rvu":         "pe_rvu_fac",
	"malp_rvu":           "mp_rvu",
	"malpractice_rvu":    "mp_rvu",
	"na_ind":             "na_indicator",
	"opps_cap":           "opps_cap_applicable",
	"bilateral":          "bilateral_ind",
	"mult_proc_ind":      "multiple_proc_ind",
	"asst_surg_ind":      "assistant_surg_ind",
	"effective date":     "effective_from",
	"effective_date":     "effective_from",
}

// ParsePPRRVU parses a Physician/Practitioner RVU file, fixed-width TXT
// or CSV, to the canonical schema.
func (p *Parser) ParsePPRRVU(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := p.Registry.Get(meta.SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	text, encoding, fallback, err := parserkit.DecodeBody(content)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("PPRRVU parse started",
		zap.String("filename", filename),
		zap.String("release_id", meta.ReleaseID),
		zap.String("file_sha256", meta.SourceSHA256),
		zap.String("encoding", encoding))

	var t *parserkit.Table
	skipped := 0
	var layoutVersion string
	if isFixedWidth(text, filename) {
		layout, lerr := layouts.Get("pprrvu", meta.ProductYear)
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
		parserkit.ApplyAliases(t, pprrvuAliases)
	}
	parserkit.NormalizeStrings(t)

	if !t.HasColumn("effective_from") {
		t.AddColumn("effective_from", meta.VintageDate)
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	// HCPCS format is a hard gate before anything downstream trusts the
	// code column.
	t = p.enforceHCPCS(t, rejects)
	t = parserkit.EnforceCategoricals(t, contract, rejects)
	t = parserkit.EnforceNumerics(t, contract, rejects)
	t = enforceDates(t, contract, rejects)

	extra := parserkit.Metrics{
		"skiprows_dynamic":     skipped,
		"row_count_by_status":  countBy(t, "status_code"),
		"invalid_hcpcs_count":  countRule(rejects, "HCPCS_FORMAT"),
	}
	if layoutVersion != "" {
		extra["layout_version"] = layoutVersion
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
		parserVersion: pprrvuParserVersion,
		extra:         extra,
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("PPRRVU parse completed",
		zap.Int("rows", result.Data.Len()),
		zap.Int("rejects", result.Rejects.Len()),
		zap.Int("skipped_lines", skipped))
	return result, nil
}

func (p *Parser) enforceHCPCS(t *parserkit.Table, rejects *parserkit.Rejects) *parserkit.Table {
	idx := t.Col("hcpcs")
	if idx < 0 {
		return t
	}
	kept := t.CloneEmpty()
	for rowID, row := range t.Rows {
		if !hcpcsRe.MatchString(row[idx]) {
			rejects.Add(t, row, "HCPCS_FORMAT", schema.Block,
				"hcpcs must match ^[A-Z0-9]{5}$, got "+row[idx], rowID)
			continue
		}
		kept.Rows = append(kept.Rows, row)
	}
	return kept
}

// isFixedWidth sniffs content, not just the filename: a .txt first line
// without delimiters is fixed-width.
func isFixedWidth(text, filename string) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".txt") {
		return false
	}
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return !strings.ContainsAny(line, ",\t")
}

// tableFromFixedWidth parses fixed-width lines via the layout. Lines
// shorter than the layout minimum are skipped without aborting; the
// skip count lands in metrics.
func tableFromFixedWidth(text string, layout *layouts.Layout) (*parserkit.Table, int) {
	cols := make([]string, len(layout.Fields))
	for i, f := range layout.Fields {
		cols[i] = f.Name
	}
	t := parserkit.NewTable(cols)
	skipped := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		values, err := layout.ParseLine(line)
		if err != nil {
			skipped++
			continue
		}
		t.AppendMap(values)
	}
	return t, skipped
}
