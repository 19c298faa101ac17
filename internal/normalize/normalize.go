// Package normalize implements stage 2 of the locality pipeline: raw
// name-based locality rows become canonical FIPS-coded rows, one per
// (mac, locality_code, state_fips, county_fips).
//
// County sets are expanded with set logic (ALL COUNTIES, ALL COUNTIES
// EXCEPT, REST OF <state>), names are matched against the Census
// reference in tiers (exact, alias, optional fuzzy), and anything that
// cannot be resolved is quarantined with a structured reason. State
// boundaries are never crossed.
package normalize

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/fips"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

// SchemaID is the contract stage 2 emits.
const SchemaID = "cms_locality_fips_v1.0"

const defaultFuzzyThreshold = 0.92

// Quarantine reasons.
const (
	ReasonUnknownState    = "unknown_state"
	ReasonNoMatch         = "no_county_match"
	ReasonAmbiguousMatch  = "ambiguous_county_match"
	ReasonEmptyCountySet  = "empty_county_set"
)

// Normalizer derives FIPS-coded locality rows from stage-1 output.
type Normalizer struct {
	Log            *zap.Logger
	Registry       *schema.Registry
	Ref            *fips.Reference
	UseFuzzy       bool
	FuzzyThreshold float64
}

// New creates a Normalizer.
func New(log *zap.Logger, reg *schema.Registry, ref *fips.Reference, useFuzzy bool) *Normalizer {
	return &Normalizer{
		Log:            log.Named("normalize"),
		Registry:       reg,
		Ref:            ref,
		UseFuzzy:       useFuzzy,
		FuzzyThreshold: defaultFuzzyThreshold,
	}
}

type rawRow struct {
	pos          int
	mac          string
	localityCode string
	stateName    string
	feeArea      string
	countyNames  string
	state        fips.State
	stateOK      bool
}

// Normalize expands stage-1 rows to canonical FIPS rows. The returned
// rejects frame holds quarantined raw rows with their reason.
func (n *Normalizer) Normalize(stage1 *parserkit.Table, meta parserkit.Metadata) (parserkit.ParseResult, error) {
	start := time.Now()
	meta.SchemaID = SchemaID
	if err := meta.Validate(); err != nil {
		return parserkit.ParseResult{}, err
	}
	contract, err := n.Registry.Get(SchemaID)
	if err != nil {
		return parserkit.ParseResult{}, err
	}

	rows := make([]rawRow, 0, stage1.Len())
	for r := 0; r < stage1.Len(); r++ {
		row := rawRow{
			pos:          r,
			mac:          stage1.Value(r, "mac"),
			localityCode: stage1.Value(r, "locality_code"),
			stateName:    stage1.Value(r, "state_name"),
			feeArea:      stage1.Value(r, "fee_area"),
			countyNames:  stage1.Value(r, "county_names"),
		}
		row.state, row.stateOK = fips.ResolveState(row.stateName)
		rows = append(rows, row)
	}

	// Counties claimed by explicit lists, per state, feed REST OF
	// expansion for the same state.
	claimed := n.collectClaims(rows)

	out := parserkit.NewTable(contract.ColumnNames())
	rejects := parserkit.NewRejects(
		[]string{"mac", "locality_code", "state_name", "fee_area", "county_names"},
		SchemaID, meta.ReleaseID)
	rawFrame := parserkit.NewTable([]string{"mac", "locality_code", "state_name", "fee_area", "county_names"})

	quarantined := 0
	for _, row := range rows {
		rawValues := []string{row.mac, row.localityCode, row.stateName, row.feeArea, row.countyNames}
		if !row.stateOK {
			rejects.Add(rawFrame, rawValues, ReasonUnknownState, schema.Block,
				"state name not in alias table: "+row.stateName, row.pos)
			quarantined++
			continue
		}
		matches, expansion, reason := n.expand(row, claimed[row.state.FIPS])
		if reason != "" {
			rejects.Add(rawFrame, rawValues, reason, schema.Block,
				"county_names: "+row.countyNames, row.pos)
			quarantined++
			continue
		}
		for _, m := range matches {
			out.AppendMap(map[string]string{
				"mac":                   row.mac,
				"locality_code":         row.localityCode,
				"state_fips":            m.county.StateFIPS,
				"county_fips":           m.county.CountyFIPS,
				"county_name_canonical": m.county.Name,
				"lsad":                  m.county.LSAD,
				"fee_area":              row.feeArea,
				"match_method":          m.method,
				"expansion_method":      expansion,
			})
		}
	}

	out = dedupeByKey(out, contract.NaturalKeys)

	parserkit.InjectMetadata(out, meta)
	if err := parserkit.HashRows(out, contract); err != nil {
		return parserkit.ParseResult{}, err
	}
	sortKeys := []string{"state_fips", "county_fips", "mac", "locality_code"}
	if _, err := parserkit.Finalize(out, contract, sortKeys); err != nil {
		return parserkit.ParseResult{}, err
	}

	if err := verifyNoNullFIPS(out); err != nil {
		return parserkit.ParseResult{}, err
	}

	// Stage 2 fans out, so total_rows counts input rows, not output.
	metrics := parserkit.BuildMetrics(len(rows), out.Len(), rejects.Len(),
		parserkit.EncodingUTF8, false, time.Since(start), "v1.0.0", SchemaID, parserkit.Metrics{
			"input_rows":        len(rows),
			"quarantined_rows":  quarantined,
			"fuzzy_enabled":     n.UseFuzzy,
			"reference_vintage": n.Ref.Vintage,
		})

	n.Log.Info("locality stage 2 completed",
		zap.Int("input_rows", len(rows)),
		zap.Int("output_rows", out.Len()),
		zap.Int("quarantined", quarantined))

	return parserkit.ParseResult{Data: out, Rejects: rejects.Frame, Metrics: metrics}, nil
}

type match struct {
	county fips.County
	method string
}

// collectClaims matches explicit county lists per state so REST OF can
// subtract them.
func (n *Normalizer) collectClaims(rows []rawRow) map[string]map[string]bool {
	claims := make(map[string]map[string]bool)
	for _, row := range rows {
		if !row.stateOK {
			continue
		}
		expr := normalizeExpr(row.countyNames)
		if expr == "ALL COUNTIES" || strings.HasPrefix(expr, "ALL COUNTIES EXCEPT") ||
			strings.HasPrefix(expr, "REST OF") {
			continue
		}
		for _, name := range splitCountyList(row.countyNames) {
			if m, ok := n.matchOne(row.state.FIPS, name, row.feeArea); ok {
				if claims[row.state.FIPS] == nil {
					claims[row.state.FIPS] = make(map[string]bool)
				}
				claims[row.state.FIPS][m.county.CountyFIPS] = true
			}
		}
	}
	return claims
}

// expand resolves a raw row's county_names to concrete counties.
func (n *Normalizer) expand(row rawRow, claimed map[string]bool) ([]match, string, string) {
	expr := normalizeExpr(row.countyNames)
	all := n.Ref.Counties(row.state.FIPS)

	switch {
	case expr == "" || expr == "ALL COUNTIES":
		if len(all) == 0 {
			return nil, "", ReasonEmptyCountySet
		}
		return setLogicMatches(all), "all_counties", ""

	case strings.HasPrefix(expr, "ALL COUNTIES EXCEPT"):
		rest := strings.TrimSpace(strings.TrimPrefix(expr, "ALL COUNTIES EXCEPT"))
		excluded := make(map[string]bool)
		for _, name := range splitCountyList(rest) {
			m, ok := n.matchOne(row.state.FIPS, name, row.feeArea)
			if !ok {
				n.Log.Warn("except-list county not matched; exclusion skipped",
					zap.String("state", row.state.USPS), zap.String("county", name))
				continue
			}
			excluded[m.county.CountyFIPS] = true
		}
		var kept []fips.County
		for _, c := range all {
			if !excluded[c.CountyFIPS] {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			return nil, "", ReasonEmptyCountySet
		}
		return setLogicMatches(kept), "all_counties_except", ""

	case strings.HasPrefix(expr, "REST OF"):
		var kept []fips.County
		for _, c := range all {
			if !claimed[c.CountyFIPS] {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			return nil, "", ReasonEmptyCountySet
		}
		return setLogicMatches(kept), "rest_of_state", ""

	default:
		var out []match
		for _, name := range splitCountyList(row.countyNames) {
			m, ok := n.matchOne(row.state.FIPS, name, row.feeArea)
			if !ok {
				if m.method == "ambiguous" {
					return nil, "", ReasonAmbiguousMatch
				}
				return nil, "", ReasonNoMatch
			}
			out = append(out, m)
		}
		if len(out) == 0 {
			return nil, "", ReasonEmptyCountySet
		}
		return out, "explicit_list", ""
	}
}

// matchOne resolves one raw county name within a state: exact, alias,
// then fuzzy when enabled. Ambiguity is tie-broken on LSAD with a hint
// from the fee area ("CITY" prefers the independent city).
func (n *Normalizer) matchOne(stateFIPS, rawName, feeArea string) (match, bool) {
	if cands := n.Ref.MatchExact(stateFIPS, rawName); len(cands) > 0 {
		if c, ok := n.tieBreak(cands, feeArea, rawName); ok {
			return match{county: c, method: "exact"}, true
		}
		return match{method: "ambiguous"}, false
	}
	if cands := n.Ref.MatchAlias(stateFIPS, rawName); len(cands) > 0 {
		if c, ok := n.tieBreak(cands, feeArea, rawName); ok {
			return match{county: c, method: "alias"}, true
		}
		return match{method: "ambiguous"}, false
	}
	if n.UseFuzzy {
		threshold := n.FuzzyThreshold
		if threshold == 0 {
			threshold = defaultFuzzyThreshold
		}
		var above []fips.County
		for _, c := range n.Ref.Counties(stateFIPS) {
			if tokenSetRatio(rawName, c.Name) >= threshold {
				above = append(above, c)
			}
		}
		if len(above) == 1 {
			return match{county: above[0], method: "fuzzy"}, true
		}
		if len(above) > 1 {
			if c, ok := n.tieBreak(above, feeArea, rawName); ok {
				return match{county: c, method: "fuzzy"}, true
			}
			return match{method: "ambiguous"}, false
		}
	}
	return match{}, false
}

// tieBreak resolves same-name candidates inside one state. The raw name
// or fee area naming a CITY prefers the independent-city FIPS; otherwise
// the county wins.
func (n *Normalizer) tieBreak(cands []fips.County, feeArea, rawName string) (fips.County, bool) {
	if len(cands) == 1 {
		return cands[0], true
	}
	preferCity := strings.Contains(strings.ToUpper(feeArea), "CITY") ||
		strings.Contains(strings.ToUpper(rawName), "CITY")
	var cities, counties []fips.County
	for _, c := range cands {
		if strings.EqualFold(c.LSAD, "city") {
			cities = append(cities, c)
		} else {
			counties = append(counties, c)
		}
	}
	if preferCity && len(cities) == 1 {
		return cities[0], true
	}
	if !preferCity && len(counties) == 1 {
		return counties[0], true
	}
	return fips.County{}, false
}

func setLogicMatches(counties []fips.County) []match {
	out := make([]match, len(counties))
	for i, c := range counties {
		out[i] = match{county: c, method: "set_logic"}
	}
	return out
}

func normalizeExpr(countyNames string) string {
	return strings.Join(strings.Fields(strings.ToUpper(countyNames)), " ")
}

// splitCountyList splits a comma or slash delimited county list.
func splitCountyList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '/'
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// dedupeByKey keeps the first row per natural key. Stage 1 preserves
// duplicate locality rows deliberately; the fan-out collapses here.
func dedupeByKey(t *parserkit.Table, keys []string) *parserkit.Table {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = t.Col(k)
	}
	seen := make(map[string]bool, t.Len())
	out := t.CloneEmpty()
	for _, row := range t.Rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = row[j]
		}
		k := strings.Join(parts, "\x1f")
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Rows = append(out.Rows, row)
	}
	return out
}

func verifyNoNullFIPS(t *parserkit.Table) error {
	sIdx, cIdx := t.Col("state_fips"), t.Col("county_fips")
	for _, row := range t.Rows {
		if row[sIdx] == "" || row[cIdx] == "" {
			return errors.Errorf(errors.KindInternal,
				"normalized locality row with null FIPS codes")
		}
	}
	return nil
}

// tokenSetRatio is a token-set similarity in [0,1]. Shared tokens are
// factored out so that "TUOLUMNE COUNTY" scores 1.0 against "Tuolumne";
// remaining differences are scored by normalized Levenshtein distance.
func tokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	var common, onlyA, onlyB []string
	for tok := range ta {
		if tb[tok] {
			common = append(common, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if !ta[tok] {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	t0 := strings.Join(common, " ")
	t1 := strings.TrimSpace(t0 + " " + strings.Join(onlyA, " "))
	t2 := strings.TrimSpace(t0 + " " + strings.Join(onlyB, " "))

	best := similarity(t1, t2)
	if t0 != "" {
		if s := similarity(t0, t1); s > best {
			best = s
		}
		if s := similarity(t0, t2); s > best {
			best = s
		}
	}
	return best
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToUpper(s)) {
		set[tok] = true
	}
	return set
}

func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
