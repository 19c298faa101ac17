package parsers

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cmspricing/refpipe/internal/parserkit"
)

func gpciMeta() parserkit.Metadata {
	m := cfMeta("2025")
	m.SchemaID = "cms_gpci_v1.2"
	m.SourceFilename = "GPCI2025.txt"
	return m
}

func gpciLine(mac, state, locality, name, work, pe, mp string) string {
	return fmt.Sprintf("%-5s %-2s %-2s %-50s%6s%6s%6s", mac, state, locality, name, work, pe, mp)
}

func TestGPCIFixedWidth(t *testing.T) {
	p := newTestParser()
	body := strings.Join([]string{
		gpciLine("01112", "CA", "05", "SAN FRANCISCO", "1.0634", "1.3050", "0.6811"),
		gpciLine("01112", "CA", "26", "REST OF CALIFORNIA", "1.0338", "1.1404", "0.5842"),
	}, "\n") + "\n"

	result, err := p.ParseGPCI([]byte(body), "GPCI2025.txt", gpciMeta())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Data.Len() != 2 || result.Rejects.Len() != 0 {
		t.Fatalf("rows=%d rejects=%d", result.Data.Len(), result.Rejects.Len())
	}

	// 3 dp HALF_UP canonicalization.
	if got := result.Data.Value(0, "work_gpci"); got != "1.063" {
		t.Errorf("work_gpci = %q, want 1.063", got)
	}
	if got := result.Data.Value(1, "pe_gpci"); got != "1.140" {
		t.Errorf("pe_gpci = %q, want 1.140", got)
	}
	if got := result.Data.Value(0, "locality_name"); got != "SAN FRANCISCO" {
		t.Errorf("locality_name = %q", got)
	}
}

func TestGPCIWorkGuardrail(t *testing.T) {
	p := newTestParser()
	body := gpciLine("01112", "CA", "05", "SAN FRANCISCO", "2.4100", "1.3050", "0.6811") + "\n"

	result, err := p.ParseGPCI([]byte(body), "GPCI2025.txt", gpciMeta())
	if err != nil {
		t.Fatal(err)
	}
	// Guardrail is WARN only: the row is retained.
	if result.Data.Len() != 1 {
		t.Fatalf("rows = %d, want 1", result.Data.Len())
	}
	warnings, ok := result.Metrics["guardrail_warnings"].([]string)
	if !ok || len(warnings) != 1 {
		t.Fatalf("guardrail_warnings = %v", result.Metrics["guardrail_warnings"])
	}
	if !strings.Contains(warnings[0], "work_gpci") {
		t.Errorf("warning = %q", warnings[0])
	}
}

func TestGPCICSV(t *testing.T) {
	p := newTestParser()
	csv := "mac,state,locality,locality name,work gpci,pe gpci,mp gpci\n" +
		"01112,CA,05,SAN FRANCISCO,1.063,1.305,0.681\n"

	result, err := p.ParseGPCI([]byte(csv), "GPCI2025.csv", gpciMeta())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Data.Len() != 1 {
		t.Fatalf("rows = %d", result.Data.Len())
	}
	if got := result.Data.Value(0, "locality_code"); got != "05" {
		t.Errorf("locality_code = %q (alias mapping)", got)
	}
}

func TestGPCIMissingRequiredNumericRejected(t *testing.T) {
	p := newTestParser()
	csv := "mac,state,locality,work gpci,pe gpci,mp gpci\n" +
		"01112,CA,05,,1.305,0.681\n" // work gpci null, column not nullable

	result, err := p.ParseGPCI([]byte(csv), "GPCI2025.csv", gpciMeta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 0 || result.Rejects.Len() != 1 {
		t.Fatalf("rows=%d rejects=%d, want 0/1", result.Data.Len(), result.Rejects.Len())
	}
	if rule := result.Rejects.Value(0, "validation_rule_id"); rule != "NUMERIC_WORK_GPCI_NULL" {
		t.Errorf("rule = %q", rule)
	}
}
