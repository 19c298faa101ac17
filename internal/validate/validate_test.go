package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

func zipContract(t *testing.T) *schema.Contract {
	t.Helper()
	c, err := schema.NewRegistry().Get("cms_zip_locality_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func zipTable(rows ...map[string]string) *parserkit.Table {
	t := parserkit.NewTable([]string{
		"zip5", "state", "locality", "carrier_mac", "rural_flag", "effective_from", "effective_to",
	})
	for _, r := range rows {
		t.AppendMap(r)
	}
	return t
}

func testCtx(t *testing.T) Context {
	return Context{
		Contract: zipContract(t),
		Vintage:  "2025-01-01",
		Now:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStructuralMissingColumn(t *testing.T) {
	tab := parserkit.NewTable([]string{"zip5", "state"})
	r := Structural(tab, testCtx(t))
	if r.Failed == 0 {
		t.Error("expected failures for missing columns")
	}
	if r.QualityScore >= 1.0 {
		t.Errorf("score = %f", r.QualityScore)
	}
}

func TestDomainFormats(t *testing.T) {
	tab := zipTable(
		map[string]string{"zip5": "94107", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "9410", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "94108", "state": "ZZ", "locality": "05", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "94109", "state": "CA", "locality": "x5", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "94111", "state": "CA", "locality": "05", "effective_from": "2025-13-01"},
	)
	r := Domain(tab, testCtx(t))
	if r.Failed != 4 {
		t.Errorf("failed = %d, want 4 (%v)", r.Failed, r.SampleFailures)
	}
	if r.Passed != 1 {
		t.Errorf("passed = %d", r.Passed)
	}
}

func TestDomainAcceptsTerritories(t *testing.T) {
	tab := zipTable(
		map[string]string{"zip5": "00901", "state": "PR", "locality": "20", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "96910", "state": "GU", "locality": "01", "effective_from": "2025-01-01"},
	)
	r := Domain(tab, testCtx(t))
	if r.Failed != 0 {
		t.Errorf("territories rejected: %v", r.SampleFailures)
	}
}

func TestBusinessEffectiveRange(t *testing.T) {
	tab := zipTable(
		map[string]string{"zip5": "94107", "state": "CA", "locality": "05",
			"effective_from": "2025-01-01", "effective_to": "2024-12-31"},
	)
	r := Business(tab, testCtx(t))
	if r.Failed != 1 {
		t.Errorf("failed = %d, want 1", r.Failed)
	}
}

func TestBusinessFutureDateWarns(t *testing.T) {
	tab := zipTable(
		map[string]string{"zip5": "94107", "state": "CA", "locality": "05",
			"effective_from": "2026-01-01"},
	)
	r := Business(tab, testCtx(t))
	if r.Failed != 0 {
		t.Errorf("future date must not fail, got %d failures", r.Failed)
	}
	if r.Warnings != 1 {
		t.Errorf("warnings = %d, want 1", r.Warnings)
	}
	if r.QualityScore >= 1.0 {
		t.Error("warnings should reduce the quality score")
	}
}

func TestBusinessRVUCouplings(t *testing.T) {
	contract, err := schema.NewRegistry().Get("cms_pprrvu_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	tab := parserkit.NewTable([]string{"hcpcs", "status_code", "work_rvu", "na_indicator", "pe_rvu_nonfac", "effective_from"})
	tab.AppendMap(map[string]string{"hcpcs": "00100", "status_code": "A", "work_rvu": "", "effective_from": "2025-01-01"})
	tab.AppendMap(map[string]string{"hcpcs": "00200", "status_code": "A", "work_rvu": "0.50",
		"na_indicator": "Y", "pe_rvu_nonfac": "1.20", "effective_from": "2025-01-01"})

	r := Business(tab, Context{Contract: contract, Now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)})
	if r.Warnings != 2 {
		t.Errorf("warnings = %d, want 2 (%v)", r.Warnings, r.SampleFailures)
	}
}

func TestNaturalKeysDuplicate(t *testing.T) {
	tab := zipTable(
		map[string]string{"zip5": "94107", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
		map[string]string{"zip5": "94107", "state": "CA", "locality": "02", "effective_from": "2025-01-01"},
	)
	r := NaturalKeys(tab, testCtx(t))
	if r.Failed != 1 {
		t.Errorf("failed = %d, want 1", r.Failed)
	}
	if r.Severity != schema.Block {
		t.Errorf("severity = %s", r.Severity)
	}
}

func TestCompleteness(t *testing.T) {
	rows := []map[string]string{}
	for i := 0; i < 50; i++ {
		rows = append(rows, map[string]string{
			"zip5": "94107", "state": "CA", "locality": "05", "effective_from": "2025-01-01",
		})
	}
	rows = append(rows, map[string]string{"zip5": "94108", "state": "", "locality": "05", "effective_from": "2025-01-01"})
	r := Completeness(zipTable(rows...), testCtx(t))
	if r.Warnings == 0 {
		t.Error("99% threshold breach should warn")
	}
	if r.QualityScore >= 0.995 {
		t.Errorf("score = %f", r.QualityScore)
	}
}

func TestZip9Consistency(t *testing.T) {
	zip9 := parserkit.NewTable([]string{"zip9_low", "zip9_high", "state", "locality"})
	zip9.AppendMap(map[string]string{"zip9_low": "941071234", "zip9_high": "941071234", "state": "CA"})
	zip9.AppendMap(map[string]string{"zip9_low": "894481111", "zip9_high": "894481111", "state": "CA"}) // NV prefix
	zip9.AppendMap(map[string]string{"zip9_low": "999991111", "zip9_high": "999991111", "state": "CA"}) // unknown prefix

	zip5 := parserkit.NewTable([]string{"zip5", "state"})
	zip5.AppendMap(map[string]string{"zip5": "94107", "state": "CA"})
	zip5.AppendMap(map[string]string{"zip5": "89448", "state": "NV"})

	r := Zip9Consistency(zip9, zip5)
	if r.Warnings != 2 {
		t.Errorf("warnings = %d, want 2 (%v)", r.Warnings, r.SampleFailures)
	}
	if r.Failed != 0 {
		t.Error("consistency conflicts are WARN, not failures")
	}
}

func TestRunAggregation(t *testing.T) {
	good := zipTable(
		map[string]string{"zip5": "94107", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
	)
	s := Run(good, testCtx(t))
	if !s.Passed {
		t.Errorf("clean frame should pass: %+v", s)
	}
	if s.OverallQuality <= 0.9 {
		t.Errorf("overall quality = %f", s.OverallQuality)
	}
	if len(s.RulesApplied) != 5 {
		t.Errorf("rules applied = %v", s.RulesApplied)
	}

	bad := zipTable(
		map[string]string{"zip5": "9410", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
	)
	s = Run(bad, testCtx(t))
	if s.Passed {
		t.Error("BLOCK failure must force overall fail regardless of score")
	}
	if s.BlockFailures == 0 {
		t.Error("block failures not counted")
	}

	results := s.ResultsMap()
	if results["passed"] != false {
		t.Errorf("results map = %v", results)
	}
	if len(s.WarningMessages()) == 0 {
		t.Error("expected warning messages for failures")
	}
}

func TestWarningMessagesPrefix(t *testing.T) {
	bad := zipTable(
		map[string]string{"zip5": "9410", "state": "CA", "locality": "05", "effective_from": "2025-01-01"},
	)
	s := Run(bad, testCtx(t))
	found := false
	for _, msg := range s.WarningMessages() {
		if strings.HasPrefix(msg, "domain_formats:") {
			found = true
		}
	}
	if !found {
		t.Errorf("messages = %v", s.WarningMessages())
	}
}
