// Package validate implements the dataset validators: structural,
// domain, business-rule, completeness, and cross-dataset checks. A
// validator is a pure function from a table and context to a report;
// reports aggregate into an overall quality score where any BLOCK
// failure forces the batch to fail regardless of score.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cmspricing/refpipe/internal/fips"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

const maxSampleFailures = 10

// Report is the outcome of one validation rule over a frame.
type Report struct {
	RuleName       string   `json:"rule_name"`
	Description    string   `json:"description"`
	Severity       schema.Severity `json:"severity"`
	Passed         int      `json:"passed"`
	Failed         int      `json:"failed"`
	Warnings       int      `json:"warnings"`
	QualityScore   float64  `json:"quality_score"`
	Threshold      float64  `json:"threshold"`
	SampleFailures []string `json:"sample_failures,omitempty"`
}

func (r *Report) fail(sample string) {
	r.Failed++
	if len(r.SampleFailures) < maxSampleFailures {
		r.SampleFailures = append(r.SampleFailures, sample)
	}
}

func (r *Report) warn(sample string) {
	r.Warnings++
	if len(r.SampleFailures) < maxSampleFailures {
		r.SampleFailures = append(r.SampleFailures, sample)
	}
}

func (r *Report) finish(total int) {
	r.Passed = total - r.Failed
	if total == 0 {
		r.QualityScore = 1.0
		return
	}
	r.QualityScore = float64(total-r.Failed) / float64(total)
	if r.Severity == schema.Warn && r.Failed == 0 && r.Warnings > 0 {
		// Warnings shave the score without failing rows.
		penalty := float64(r.Warnings) / float64(total) * 0.5
		if penalty > 0.2 {
			penalty = 0.2
		}
		r.QualityScore = 1.0 - penalty
	}
}

// Context carries what validators need besides the frame.
type Context struct {
	Contract *schema.Contract
	Vintage  string
	Now      time.Time
}

// Validator is a pure validation function.
type Validator func(t *parserkit.Table, ctx Context) Report

var (
	zip5Re     = regexp.MustCompile(`^\d{5}$`)
	zip9Re     = regexp.MustCompile(`^\d{9}$`)
	localityRe = regexp.MustCompile(`^\d+$`)
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

var uspsStates = fips.USPSCodes()

// Structural verifies that every schema column is present.
func Structural(t *parserkit.Table, ctx Context) Report {
	r := Report{
		RuleName:    "structural_columns",
		Description: "all schema-declared columns present",
		Severity:    schema.Block,
		Threshold:   1.0,
	}
	missing := 0
	for _, col := range ctx.Contract.Columns {
		if !t.HasColumn(col.Name) {
			missing++
			r.fail("missing column: " + col.Name)
		}
	}
	total := len(ctx.Contract.Columns)
	r.Passed = total - missing
	if total > 0 {
		r.QualityScore = float64(total-missing) / float64(total)
	} else {
		r.QualityScore = 1.0
	}
	return r
}

// Domain checks value formats: ZIP5/ZIP9 digits, US postal state codes,
// numeric locality codes, ISO dates.
func Domain(t *parserkit.Table, ctx Context) Report {
	r := Report{
		RuleName:    "domain_formats",
		Description: "zip/state/locality/date value formats",
		Severity:    schema.Block,
		Threshold:   1.0,
	}
	type check struct {
		col string
		fn  func(string) bool
	}
	var checks []check
	for _, col := range ctx.Contract.Columns {
		switch {
		case col.Name == "zip5":
			checks = append(checks, check{col.Name, zip5Re.MatchString})
		case col.Name == "zip9_low" || col.Name == "zip9_high":
			checks = append(checks, check{col.Name, zip9Re.MatchString})
		case col.Name == "state":
			checks = append(checks, check{col.Name, func(v string) bool { return uspsStates[v] }})
		case col.Name == "locality" || col.Name == "locality_code":
			checks = append(checks, check{col.Name, localityRe.MatchString})
		case col.Type == "date":
			checks = append(checks, check{col.Name, func(v string) bool {
				if !dateRe.MatchString(v) {
					return false
				}
				_, err := time.Parse("2006-01-02", v)
				return err == nil
			}})
		}
	}

	for rowID, row := range t.Rows {
		for _, c := range checks {
			idx := t.Col(c.col)
			if idx < 0 {
				continue
			}
			v := row[idx]
			if v == "" {
				continue // nullability is the completeness check's concern
			}
			if !c.fn(v) {
				r.fail(fmt.Sprintf("row %d: %s=%q", rowID, c.col, v))
				break
			}
		}
	}
	r.finish(t.Len())
	return r
}

// Business checks the cross-column rules: effective ranges, future
// dates (WARN), RVU status/work coupling, NA indicator coupling.
func Business(t *parserkit.Table, ctx Context) Report {
	r := Report{
		RuleName:    "business_rules",
		Description: "effective ranges, future dates, RVU couplings",
		Severity:    schema.Warn,
		Threshold:   0.95,
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	today := now.Format("2006-01-02")

	fromIdx := t.Col("effective_from")
	toIdx := t.Col("effective_to")
	statusIdx := t.Col("status_code")
	workIdx := t.Col("work_rvu")
	naIdx := t.Col("na_indicator")
	peNFIdx := t.Col("pe_rvu_nonfac")

	for rowID, row := range t.Rows {
		if fromIdx >= 0 && toIdx >= 0 && row[fromIdx] != "" && row[toIdx] != "" {
			if row[toIdx] < row[fromIdx] {
				r.fail(fmt.Sprintf("row %d: effective_to %s before effective_from %s",
					rowID, row[toIdx], row[fromIdx]))
				continue
			}
		}
		if fromIdx >= 0 && row[fromIdx] > today {
			// Future effective dates are routine for CMS pre-publication;
			// surface them without rejecting.
			r.warn(fmt.Sprintf("row %d: effective_from %s in the future", rowID, row[fromIdx]))
		}
		if statusIdx >= 0 && workIdx >= 0 {
			switch row[statusIdx] {
			case "A", "R", "T":
				if row[workIdx] == "" {
					r.warn(fmt.Sprintf("row %d: status %s without work_rvu", rowID, row[statusIdx]))
				}
			}
		}
		if naIdx >= 0 && peNFIdx >= 0 && row[naIdx] == "Y" && row[peNFIdx] != "" {
			r.warn(fmt.Sprintf("row %d: NA indicator set but non-facility PE RVU present", rowID))
		}
	}
	r.finish(t.Len())
	return r
}

// NaturalKeys verifies uniqueness within the vintage at BLOCK severity.
func NaturalKeys(t *parserkit.Table, ctx Context) Report {
	r := Report{
		RuleName:    "natural_key_uniqueness",
		Description: "natural keys unique within vintage",
		Severity:    schema.Block,
		Threshold:   1.0,
	}
	res, err := parserkit.CheckNaturalKeys(t, ctx.Contract, schema.Warn, "")
	if err != nil {
		r.fail(err.Error())
		r.finish(t.Len())
		return r
	}
	for i := 0; i < res.Duplicates.Len(); i++ {
		r.fail(res.Duplicates.Value(i, "validation_error"))
	}
	r.finish(t.Len())
	return r
}

// Completeness requires critical columns to be at least 99% non-null.
func Completeness(t *parserkit.Table, ctx Context) Report {
	r := Report{
		RuleName:    "completeness_critical_columns",
		Description: "critical columns >= 99% non-null",
		Severity:    schema.Warn,
		Threshold:   0.99,
	}
	var worst = 1.0
	checked := 0
	for _, col := range ctx.Contract.Columns {
		if !col.Critical || !t.HasColumn(col.Name) {
			continue
		}
		checked++
		share := t.NonNullShare(col.Name)
		if share < worst {
			worst = share
		}
		if share < r.Threshold {
			r.warn(fmt.Sprintf("%s: %.4f non-null below threshold", col.Name, share))
		}
	}
	r.Passed = checked - r.Warnings
	r.QualityScore = worst
	return r
}

// Zip9Consistency cross-checks ZIP9 ranges against the ZIP5 locality
// frame: an override whose ZIP5 prefix maps to a different state is a
// WARN-level referential conflict.
func Zip9Consistency(zip9, zip5 *parserkit.Table) Report {
	r := Report{
		RuleName:    "zip9_zip5_consistency",
		Description: "zip9 override state agrees with zip5 locality",
		Severity:    schema.Warn,
		Threshold:   0.95,
	}
	stateByZip5 := make(map[string]string, zip5.Len())
	for i := 0; i < zip5.Len(); i++ {
		stateByZip5[zip5.Value(i, "zip5")] = zip5.Value(i, "state")
	}

	lowIdx := zip9.Col("zip9_low")
	stateIdx := zip9.Col("state")
	for rowID, row := range zip9.Rows {
		prefix := row[lowIdx]
		if len(prefix) >= 5 {
			prefix = prefix[:5]
		}
		want, ok := stateByZip5[prefix]
		if !ok {
			r.warn(fmt.Sprintf("row %d: zip9 range %s has no zip5 locality row", rowID, row[lowIdx]))
			continue
		}
		if want != row[stateIdx] {
			r.warn(fmt.Sprintf("row %d: zip9 state %s conflicts with zip5 state %s",
				rowID, row[stateIdx], want))
		}
	}
	r.finish(zip9.Len())
	return r
}

// Summary aggregates rule reports for a frame.
type Summary struct {
	Reports        []Report `json:"reports"`
	OverallQuality float64  `json:"overall_quality"`
	Passed         bool     `json:"passed"`
	BlockFailures  int      `json:"block_failures"`
	RulesApplied   []string `json:"rules_applied"`
}

// Run applies the standard validator set plus any extras and aggregates.
func Run(t *parserkit.Table, ctx Context, extra ...Report) Summary {
	reports := []Report{
		Structural(t, ctx),
		Domain(t, ctx),
		Business(t, ctx),
		NaturalKeys(t, ctx),
		Completeness(t, ctx),
	}
	reports = append(reports, extra...)

	s := Summary{Reports: reports, Passed: true}
	sum := 0.0
	for _, r := range reports {
		sum += r.QualityScore
		s.RulesApplied = append(s.RulesApplied, r.RuleName)
		if r.Severity == schema.Block && r.Failed > 0 {
			s.BlockFailures += r.Failed
			s.Passed = false
		}
	}
	if len(reports) > 0 {
		s.OverallQuality = sum / float64(len(reports))
	}
	return s
}

// WarningMessages collects the human-readable warning samples across reports.
func (s Summary) WarningMessages() []string {
	var out []string
	for _, r := range s.Reports {
		if r.Warnings == 0 && r.Failed == 0 {
			continue
		}
		for _, sample := range r.SampleFailures {
			out = append(out, r.RuleName+": "+sample)
		}
	}
	return out
}

// ResultsMap renders the summary as the validation_results blob stored
// on the batch.
func (s Summary) ResultsMap() map[string]any {
	perRule := make(map[string]any, len(s.Reports))
	for _, r := range s.Reports {
		perRule[r.RuleName] = map[string]any{
			"passed":        r.Passed,
			"failed":        r.Failed,
			"warnings":      r.Warnings,
			"quality_score": r.QualityScore,
			"threshold":     r.Threshold,
			"severity":      string(r.Severity),
		}
	}
	return map[string]any{
		"overall_quality": s.OverallQuality,
		"passed":          s.Passed,
		"block_failures":  s.BlockFailures,
		"rules":           perRule,
	}
}
