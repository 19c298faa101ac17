package publish

import (
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/paths"
	"github.com/cmspricing/refpipe/internal/schema"
)

func testPublisher(t *testing.T) (*Publisher, paths.Layout) {
	t.Helper()
	layout := paths.Layout{OutputDir: t.TempDir()}
	return New(layout, zap.NewNop()), layout
}

func cfTable(t *testing.T) (*parserkit.Table, *schema.Contract) {
	t.Helper()
	contract, err := schema.NewRegistry().Get("cms_conversion_factor_v2.0")
	if err != nil {
		t.Fatal(err)
	}
	tab := parserkit.NewTable([]string{"cf_type", "cf_value", "cf_description", "effective_from", "effective_to"})
	tab.AppendMap(map[string]string{"cf_type": "physician", "cf_value": "32.3465", "effective_from": "2025-01-01"})
	tab.AppendMap(map[string]string{"cf_type": "anesthesia", "cf_value": "20.3178", "effective_from": "2025-01-01"})
	parserkit.InjectMetadata(tab, parserkit.Metadata{
		ReleaseID: "rel_t", VintageDate: "2025-01-01", ProductYear: "2025",
		QuarterVintage: "2025_annual", SourceFilename: "cf.csv",
		SourceSHA256: strings.Repeat("ab", 32), SchemaID: contract.ID(),
		ParsedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err := parserkit.HashRows(tab, contract); err != nil {
		t.Fatal(err)
	}
	return tab, contract
}

func TestWriteCurated(t *testing.T) {
	p, layout := testPublisher(t)
	tab, contract := cfTable(t)

	path, err := p.WriteCurated("conversion_factor", "rel_t", tab, contract, 0.98)
	if err != nil {
		t.Fatalf("WriteCurated: %v", err)
	}
	if path != layout.CuratedParquet("conversion_factor", "rel_t") {
		t.Errorf("path = %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("parquet missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("parquet file empty")
	}
	// Parquet magic bytes at both ends.
	blob, _ := os.ReadFile(path)
	if len(blob) < 8 || string(blob[:4]) != "PAR1" || string(blob[len(blob)-4:]) != "PAR1" {
		t.Error("file is not parquet-framed")
	}

	readme, err := os.ReadFile(layout.CuratedReadme("conversion_factor", "rel_t"))
	if err != nil {
		t.Fatalf("README missing: %v", err)
	}
	for _, want := range []string{"cf_value", "2 records", "0.98", "CMS Public Domain"} {
		if !strings.Contains(string(readme), want) {
			t.Errorf("README missing %q", want)
		}
	}
}

func TestWriteQuarantineGroupsByReason(t *testing.T) {
	p, layout := testPublisher(t)

	rejects := parserkit.NewTable([]string{"cf_type", "cf_value", "validation_rule_id", "validation_severity", "validation_error", "schema_id", "release_id", "row_id"})
	rejects.AppendMap(map[string]string{"cf_type": "dental", "validation_rule_id": "CATEGORY_CF_TYPE_DOMAIN"})
	rejects.AppendMap(map[string]string{"cf_type": "physician", "cf_value": "-1", "validation_rule_id": "cf_value_range"})
	rejects.AppendMap(map[string]string{"cf_type": "physician", "cf_value": "300", "validation_rule_id": "cf_value_range"})

	written, err := p.WriteQuarantine("rel_t", "conversion_factor", rejects)
	if err != nil {
		t.Fatalf("WriteQuarantine: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("files = %v, want 2 groups", written)
	}
	if _, err := os.Stat(layout.QuarantineFile("rel_t", "conversion_factor", "cf_value_range")); err != nil {
		t.Errorf("range quarantine missing: %v", err)
	}
	if _, err := os.Stat(layout.QuarantineFile("rel_t", "conversion_factor", "category_cf_type_domain")); err != nil {
		t.Errorf("domain quarantine missing: %v", err)
	}
}

func TestWriteQuarantineEmptyIsNoop(t *testing.T) {
	p, _ := testPublisher(t)
	written, err := p.WriteQuarantine("rel_t", "gpci", parserkit.NewTable([]string{"a", "validation_rule_id"}))
	if err != nil || written != nil {
		t.Errorf("written = %v err = %v", written, err)
	}
}

func TestWriteStageContract(t *testing.T) {
	p, layout := testPublisher(t)
	contract, _ := schema.NewRegistry().Get("cms_gpci_v1.2")

	if err := p.WriteStageContract("rel_t", contract); err != nil {
		t.Fatal(err)
	}
	blob, err := os.ReadFile(layout.StageContract("rel_t"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(blob), `"natural_keys"`) {
		t.Error("contract artifact missing natural_keys")
	}
}

func TestRunManifestRoundTrip(t *testing.T) {
	p, layout := testPublisher(t)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &RunManifest{
		RunID:         "run-123",
		ReleaseID:     "rel_t",
		SourceVersion: "2025_annual",
		RunType:       "scheduled",
		StartedAt:     started,
		CompletedAt:   started.Add(90 * time.Second),
		OverallStatus: "success",
		Datasets: []DatasetManifest{
			{Name: "gpci", Files: []string{"GPCI2025.txt"}, TotalRows: 112, SuccessfulRows: 109, FailedRows: 3, ProcessingTimeSeconds: 2.1},
			{Name: "conversion_factor", Files: []string{"cf_2025.csv"}, TotalRows: 2, SuccessfulRows: 2},
		},
	}
	if err := p.WriteRunManifest(m); err != nil {
		t.Fatal(err)
	}

	got, err := ReadRunManifest(layout, "run-123")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalDurationSeconds != 90 {
		t.Errorf("duration = %f", got.TotalDurationSeconds)
	}
	if got.Totals.TotalRows != 114 || got.Totals.SuccessfulRows != 111 || got.Totals.Datasets != 2 {
		t.Errorf("totals = %+v", got.Totals)
	}
	if got.OverallStatus != "success" {
		t.Errorf("status = %s", got.OverallStatus)
	}
}
