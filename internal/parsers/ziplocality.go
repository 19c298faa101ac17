package parsers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/layouts"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

const zipParserVersion = "v1.0.0"

// ParseZipLocality parses ZIP5 locality rows from a CMS Zip Code to
// Carrier Locality archive. Every line yields a zip5 mapping; lines
// flagged for +4 extension additionally feed ParseZip9Overrides.
func (p *Parser) ParseZipLocality(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := p.Registry.Get(meta.SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	raw, encoding, fallback, skipped, err := p.readZipCarrierFile(content, filename, meta.ProductYear)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	t := parserkit.NewTable([]string{
		"zip5", "state", "locality", "carrier_mac", "rural_flag",
		"effective_from", "effective_to",
	})
	for _, rec := range raw.Rows {
		t.AppendMap(map[string]string{
			"zip5":           raw.valueOf(rec, "zip5"),
			"state":          strings.ToUpper(raw.valueOf(rec, "state")),
			"locality":       raw.valueOf(rec, "locality"),
			"carrier_mac":    raw.valueOf(rec, "carrier"),
			"rural_flag":     ruralFlag(raw.valueOf(rec, "rural_flag")),
			"effective_from": meta.VintageDate,
		})
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	// The same zip5 repeats for each +4 extension block; keep the first
	// mapping and record the rest as WARN duplicates.
	keyRes, err := parserkit.CheckNaturalKeys(t, contract, schema.Warn, meta.ReleaseID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}
	t = keyRes.Unique
	rejects.Frame.Rows = append(rejects.Frame.Rows, keyRes.Duplicates.Rows...)

	result, err := seal(t, sealOptions{
		contract:      contract,
		meta:          meta,
		totalRows:     totalRows,
		rejects:       rejects,
		enforceKeys:   true,
		encoding:      encoding,
		fallback:      fallback,
		start:         start,
		parserVersion: zipParserVersion,
		extra: parserkit.Metrics{
			"skiprows_dynamic":   skipped,
			"row_count_by_state": countBy(t, "state"),
		},
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("ZIP locality parse completed",
		zap.Int("zip5_rows", result.Data.Len()),
		zap.Int("rejects", result.Rejects.Len()))
	return result, nil
}

// ParseZip9Overrides parses ZIP9 override ranges from the same archive,
// selecting only rows whose plus-four flag is '1' with a non-zero
// extension. Overlapping ranges within a vintage are a BLOCK failure.
func (p *Parser) ParseZip9Overrides(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := p.Registry.Get(meta.SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	raw, encoding, fallback, skipped, err := p.readZipCarrierFile(content, filename, meta.ProductYear)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	t := parserkit.NewTable([]string{
		"zip9_low", "zip9_high", "state", "locality", "rural_flag",
		"effective_from", "effective_to",
	})
	for _, rec := range raw.Rows {
		flag := raw.valueOf(rec, "plus_four_flag")
		plus4 := raw.valueOf(rec, "plus_four")
		if flag != "1" || plus4 == "" || plus4 == "0000" {
			continue
		}
		zip9 := raw.valueOf(rec, "zip5") + plus4
		t.AppendMap(map[string]string{
			"zip9_low":       zip9,
			"zip9_high":      zip9,
			"state":          strings.ToUpper(raw.valueOf(rec, "state")),
			"locality":       raw.valueOf(rec, "locality"),
			"rural_flag":     ruralFlag(raw.valueOf(rec, "rural_flag")),
			"effective_from": meta.VintageDate,
		})
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	if err := checkZip9Overlaps(t, contract.ID()); err != nil {
		return parserkit.ParseResult{}, err
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
		parserVersion: zipParserVersion,
		extra: parserkit.Metrics{
			"skiprows_dynamic": skipped,
			"override_count":   t.Len(),
		},
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("ZIP9 override parse completed",
		zap.Int("overrides", result.Data.Len()),
		zap.Int("skipped_lines", skipped))
	return result, nil
}

// rawRecords is the fixed-width read of the carrier file before the
// dataset-specific projections.
type rawRecords struct {
	cols map[string]int
	Rows [][]string
}

func (r *rawRecords) valueOf(rec []string, name string) string {
	if i, ok := r.cols[name]; ok {
		return rec[i]
	}
	return ""
}

func (p *Parser) readZipCarrierFile(content []byte, filename, productYear string) (*rawRecords, string, bool, int, error) {
	var err error
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		_, content, err = zipMember(content, func(name string) bool {
			lower := strings.ToLower(name)
			return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".csv")
		})
		if err != nil {
			return nil, "", false, 0, err
		}
	}

	text, encoding, fallback, err := parserkit.DecodeBody(content)
	if err != nil {
		return nil, "", false, 0, err
	}

	layout, err := layouts.Get("zip_locality", productYear)
	if err != nil {
		return nil, "", false, 0, err
	}
	t, skipped := tableFromFixedWidth(text, layout)
	parserkit.NormalizeStrings(t)

	cols := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		cols[c] = i
	}
	return &rawRecords{cols: cols, Rows: t.Rows}, encoding, fallback, skipped, nil
}

// ruralFlag maps the CMS rural indicator ('A' and 'B' variants) to a
// boolean rendering; anything else is null.
func ruralFlag(v string) string {
	switch v {
	case "A", "B":
		return "true"
	default:
		return ""
	}
}

// checkZip9Overlaps verifies zip9_low <= zip9_high on every range and
// that no two ranges overlap. Endpoints are inclusive on both sides.
func checkZip9Overlaps(t *parserkit.Table, schemaID string) error {
	lowIdx, highIdx := t.Col("zip9_low"), t.Col("zip9_high")
	type zrange struct{ low, high string }
	ranges := make([]zrange, 0, t.Len())
	for _, row := range t.Rows {
		if row[lowIdx] > row[highIdx] {
			return errors.E(errors.KindParse, errors.CodeLayoutMismatch,
				fmt.Sprintf("zip9 range inverted: %s > %s", row[lowIdx], row[highIdx])).
				WithEvidence(schemaID, []string{row[lowIdx] + "-" + row[highIdx]})
		}
		ranges = append(ranges, zrange{row[lowIdx], row[highIdx]})
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].low != ranges[j].low {
			return ranges[i].low < ranges[j].low
		}
		return ranges[i].high < ranges[j].high
	})
	var overlaps []string
	for i := 1; i < len(ranges); i++ {
		if ranges[i].low <= ranges[i-1].high {
			overlaps = append(overlaps,
				ranges[i-1].low+"-"+ranges[i-1].high+" vs "+ranges[i].low+"-"+ranges[i].high)
		}
	}
	if len(overlaps) > 0 {
		return errors.E(errors.KindParse, errors.CodeDuplicateKey,
			fmt.Sprintf("%d overlapping zip9 override ranges within vintage", len(overlaps))).
			WithEvidence(schemaID, overlaps)
	}
	return nil
}
