package parsers

import (
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/layouts"
	"github.com/cmspricing/refpipe/internal/parserkit"
)

const localityParserVersion = "v1.0.0"

// ParseLocalityRaw parses a locality-county crosswalk file (25LOCCO.txt)
// layout-faithfully: state and county stay as names, the state name is
// forward-filled on continuation rows, and duplicates are preserved.
// FIPS derivation and county explosion are stage 2's job.
func (p *Parser) ParseLocalityRaw(content []byte, filename string, meta parserkit.Metadata) (parserkit.ParseResult, error) {
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

	layout, err := layouts.Get("locality_raw", meta.ProductYear)
	if err != nil {
		return parserkit.ParseResult{}, err
	}
	t, skipped := tableFromFixedWidth(text, layout)
	parserkit.NormalizeStrings(t)

	// Continuation rows leave the state blank; carry the last seen name.
	stateIdx := t.Col("state_name")
	lastState := ""
	for r := range t.Rows {
		if t.Rows[r][stateIdx] == "" {
			t.Rows[r][stateIdx] = lastState
		} else {
			lastState = t.Rows[r][stateIdx]
		}
	}

	totalRows := t.Len()
	rejects := parserkit.NewRejects(t.Columns, meta.SchemaID, meta.ReleaseID)

	// The (mac, locality_code) key is logged here, not enforced: one
	// locality can legitimately span multiple county rows before stage 2
	// collapses them.
	if res, kerr := parserkit.CheckNaturalKeys(t, contract, "", meta.ReleaseID); kerr == nil && res.Duplicates.Len() > 0 {
		p.Log.Info("locality stage 1: duplicate (mac, locality) rows preserved",
			zap.Int("duplicates", res.Duplicates.Len()))
	}

	result, err := seal(t, sealOptions{
		contract:      contract,
		meta:          meta,
		totalRows:     totalRows,
		rejects:       rejects,
		enforceKeys:   false,
		encoding:      encoding,
		fallback:      fallback,
		start:         start,
		parserVersion: localityParserVersion,
		extra: parserkit.Metrics{
			"skiprows_dynamic":   skipped,
			"layout_version":     layout.Version,
			"row_count_by_state": countBy(t, "state_name"),
		},
	})
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	p.Log.Info("locality stage 1 parse completed",
		zap.String("filename", filename),
		zap.Int("rows", result.Data.Len()),
		zap.Int("skipped_lines", skipped))
	return result, nil
}
