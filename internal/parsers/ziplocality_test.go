package parsers

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/parserkit"
)

func zipMeta(schemaID string) parserkit.Metadata {
	m := cfMeta("2025")
	m.VintageDate = "2025-08-14"
	m.SchemaID = schemaID
	m.SourceFilename = "zip_codes_requiring_4_extension.zip"
	return m
}

// carrierLine renders one Zip Code to Carrier Locality record. The
// layout reserves columns 15-19; flag sits at 20, plus-four at 21-24.
func carrierLine(state, zip5, carrier, locality, rural, flag, plus4 string) string {
	line := fmt.Sprintf("%-2s%-5s%-5s%-2s%-1s     %-1s%-4s", state, zip5, carrier, locality, rural, flag, plus4)
	if len(line) < 80 {
		line += strings.Repeat(" ", 80-len(line))
	}
	return line
}

func buildArchive(t *testing.T, member string, lines []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(member)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestZipLocalityFromArchive(t *testing.T) {
	p := newTestParser()
	archive := buildArchive(t, "ZIP5_OCT2025.txt", []string{
		carrierLine("CA", "94107", "01112", "05", "", "0", "0000"),
		carrierLine("NV", "89448", "01112", "00", "A", "0", "0000"),
	})

	result, err := p.ParseZipLocality(archive, "zip_codes_requiring_4_extension.zip", zipMeta("cms_zip_locality_v1.0"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Data.Len() != 2 || result.Rejects.Len() != 0 {
		t.Fatalf("rows=%d rejects=%d", result.Data.Len(), result.Rejects.Len())
	}

	if got := result.Data.Value(0, "zip5"); got != "89448" {
		t.Errorf("row 0 zip5 = %q (natural key sort)", got)
	}
	if got := result.Data.Value(0, "rural_flag"); got != "true" {
		t.Errorf("rural_flag = %q, want true", got)
	}
	if got := result.Data.Value(1, "state"); got != "CA" {
		t.Errorf("state = %q", got)
	}
	if got := result.Data.Value(1, "effective_from"); got != "2025-08-14" {
		t.Errorf("effective_from = %q", got)
	}
}

func TestZipLocalityDuplicateZip5KeptOnce(t *testing.T) {
	p := newTestParser()
	archive := buildArchive(t, "ZIP5.txt", []string{
		carrierLine("CA", "94107", "01112", "05", "", "1", "1234"),
		carrierLine("CA", "94107", "01112", "05", "", "1", "5678"),
	})

	result, err := p.ParseZipLocality(archive, "zips.zip", zipMeta("cms_zip_locality_v1.0"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Data.Len() != 1 {
		t.Errorf("rows = %d, want 1 (first mapping wins)", result.Data.Len())
	}
	if result.Rejects.Len() != 1 {
		t.Errorf("rejects = %d, want 1 WARN duplicate", result.Rejects.Len())
	}
	if sev := result.Rejects.Value(0, "validation_severity"); sev != "WARN" {
		t.Errorf("severity = %q, want WARN", sev)
	}
}

func TestZip9OverridesSelection(t *testing.T) {
	p := newTestParser()
	archive := buildArchive(t, "ZIP9.txt", []string{
		carrierLine("CA", "94107", "01112", "02", "", "1", "1234"), // selected
		carrierLine("CA", "94110", "01112", "05", "", "0", "0000"), // flag 0
		carrierLine("CA", "94111", "01112", "05", "", "1", "0000"), // zero plus-four
	})

	result, err := p.ParseZip9Overrides(archive, "zips.zip", zipMeta("cms_zip9_overrides_v1.0"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Data.Len() != 1 {
		t.Fatalf("overrides = %d, want 1", result.Data.Len())
	}
	if got := result.Data.Value(0, "zip9_low"); got != "941071234" {
		t.Errorf("zip9_low = %q", got)
	}
	if got := result.Data.Value(0, "zip9_high"); got != "941071234" {
		t.Errorf("zip9_high = %q", got)
	}
	if got := result.Data.Value(0, "locality"); got != "02" {
		t.Errorf("locality = %q", got)
	}
}

func TestZip9OverlapBlocks(t *testing.T) {
	p := newTestParser()
	archive := buildArchive(t, "ZIP9.txt", []string{
		carrierLine("CA", "94107", "01112", "02", "", "1", "1234"),
		carrierLine("CA", "94107", "01112", "05", "", "1", "1234"), // same zip9, different locality
	})

	_, err := p.ParseZip9Overrides(archive, "zips.zip", zipMeta("cms_zip9_overrides_v1.0"))
	if err == nil {
		t.Fatal("expected overlap error")
	}
	if errors.GetKind(err) != errors.KindParse {
		t.Errorf("kind = %v", errors.GetKind(err))
	}
}
