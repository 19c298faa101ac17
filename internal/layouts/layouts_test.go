package layouts

import (
	"strings"
	"testing"

	"github.com/cmspricing/refpipe/internal/errors"
)

func TestGetExactYear(t *testing.T) {
	l, err := Get("gpci", "2025")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Version != "v2025.4.0" {
		t.Errorf("version = %q", l.Version)
	}
}

func TestGetFallsBackToEarlierYear(t *testing.T) {
	l, err := Get("gpci", "2026")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Version != "v2025.4.0" {
		t.Errorf("2026 should fall back to v2025.4.0, got %q", l.Version)
	}
}

func TestGetUnknownDataset(t *testing.T) {
	_, err := Get("oppscap", "2025")
	if err == nil {
		t.Fatal("expected error for unregistered dataset")
	}
	if errors.GetCode(err) != errors.CodeLayoutMismatch {
		t.Errorf("code = %q, want layout_mismatch", errors.GetCode(err))
	}
}

func TestParseLineZipLocality(t *testing.T) {
	l, err := Get("zip_locality", "2025")
	if err != nil {
		t.Fatal(err)
	}

	// state(2) zip5(5) carrier(5) locality(2) rural(1) filler(5) flag(1) plus4(4) padding
	line := "CA9410701112020     11234" + strings.Repeat(" ", 60)
	values, err := l.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}

	want := map[string]string{
		"state":          "CA",
		"zip5":           "94107",
		"carrier":        "01112",
		"locality":       "02",
		"rural_flag":     "0",
		"plus_four_flag": "1",
		"plus_four":      "1234",
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("%s = %q, want %q", name, values[name], v)
		}
	}
}

func TestParseLineTooShort(t *testing.T) {
	l, _ := Get("zip_locality", "2025")
	if _, err := l.ParseLine("CA94107"); err == nil {
		t.Fatal("expected layout mismatch for short line")
	}
}

func TestParseLineOpenEndedField(t *testing.T) {
	l, _ := Get("locality_raw", "2025")

	line := "01112 26 CALIFORNIA          REST OF CALIFORNIA            ALL COUNTIES EXCEPT LOS ANGELES, ORANGE"
	values, err := l.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if values["mac"] != "01112" || values["locality_code"] != "26" {
		t.Errorf("mac/locality = %q/%q", values["mac"], values["locality_code"])
	}
	if values["county_names"] != "ALL COUNTIES EXCEPT LOS ANGELES, ORANGE" {
		t.Errorf("county_names = %q", values["county_names"])
	}
}
