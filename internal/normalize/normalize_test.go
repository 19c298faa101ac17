package normalize

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/fips"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/schema"
)

func newTestNormalizer(t *testing.T, useFuzzy bool) *Normalizer {
	t.Helper()
	ref, err := fips.Load("")
	if err != nil {
		t.Fatalf("load reference: %v", err)
	}
	return New(zap.NewNop(), schema.NewRegistry(), ref, useFuzzy)
}

func stage1Table(rows ...map[string]string) *parserkit.Table {
	t := parserkit.NewTable([]string{"mac", "locality_code", "state_name", "fee_area", "county_names"})
	for _, r := range rows {
		t.AppendMap(r)
	}
	return t
}

func stage2Meta() parserkit.Metadata {
	return parserkit.Metadata{
		ReleaseID:      "mpfs_2025_annual_test",
		VintageDate:    "2025-01-01",
		ProductYear:    "2025",
		QuarterVintage: "2025_annual",
		SourceFilename: "25LOCCO.txt",
		SourceSHA256:   strings.Repeat("cd", 32),
		SchemaID:       SchemaID,
		ParsedAt:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAllCountiesExceptExpansion(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(map[string]string{
		"mac": "01112", "locality_code": "26", "state_name": "CALIFORNIA",
		"fee_area":     "REST OF CALIFORNIA",
		"county_names": "ALL COUNTIES EXCEPT LOS ANGELES, ORANGE",
	})

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	// California has 58 counties; excluding two leaves 56.
	if result.Data.Len() != 56 {
		t.Fatalf("rows = %d, want 56", result.Data.Len())
	}
	for r := 0; r < result.Data.Len(); r++ {
		if got := result.Data.Value(r, "state_fips"); got != "06" {
			t.Fatalf("state_fips = %q", got)
		}
		cf := result.Data.Value(r, "county_fips")
		if cf == "037" || cf == "059" {
			t.Errorf("excluded county %s present in output", cf)
		}
		if got := result.Data.Value(r, "expansion_method"); got != "all_counties_except" {
			t.Errorf("expansion_method = %q", got)
		}
		if got := result.Data.Value(r, "match_method"); got != "set_logic" {
			t.Errorf("match_method = %q", got)
		}
	}
}

func TestExplicitListAndSort(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(
		map[string]string{
			"mac": "01112", "locality_code": "06", "state_name": "CALIFORNIA",
			"fee_area": "OAKLAND/BERKELEY", "county_names": "CONTRA COSTA, ALAMEDA",
		},
	)

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 2 {
		t.Fatalf("rows = %d, want 2", result.Data.Len())
	}
	// Sorted by (state_fips, county_fips): Alameda 001 before Contra Costa 013.
	if got := result.Data.Value(0, "county_fips"); got != "001" {
		t.Errorf("row 0 county_fips = %q, want 001", got)
	}
	if got := result.Data.Value(0, "match_method"); got != "exact" {
		t.Errorf("match_method = %q", got)
	}
}

func TestRestOfStateSubtractsClaims(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(
		map[string]string{
			"mac": "01112", "locality_code": "05", "state_name": "NEVADA",
			"fee_area": "RENO", "county_names": "WASHOE",
		},
		map[string]string{
			"mac": "01112", "locality_code": "99", "state_name": "NEVADA",
			"fee_area": "REST OF NEVADA", "county_names": "REST OF NEVADA",
		},
	)

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	// Bundled Nevada reference: Douglas 005, Washoe 031, Carson City 510.
	// Washoe is claimed, REST OF gets the other two.
	byLocality := map[string][]string{}
	for r := 0; r < result.Data.Len(); r++ {
		loc := result.Data.Value(r, "locality_code")
		byLocality[loc] = append(byLocality[loc], result.Data.Value(r, "county_fips"))
	}
	if len(byLocality["05"]) != 1 || byLocality["05"][0] != "031" {
		t.Errorf("locality 05 counties = %v", byLocality["05"])
	}
	if len(byLocality["99"]) != 2 {
		t.Errorf("rest-of counties = %v, want Douglas and Carson City", byLocality["99"])
	}
	for r := 0; r < result.Data.Len(); r++ {
		if result.Data.Value(r, "locality_code") == "99" {
			if got := result.Data.Value(r, "expansion_method"); got != "rest_of_state" {
				t.Errorf("expansion_method = %q", got)
			}
		}
	}
}

func TestRichmondCityCountyTieBreak(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(
		map[string]string{
			"mac": "11302", "locality_code": "01", "state_name": "VIRGINIA",
			"fee_area": "RICHMOND CITY", "county_names": "RICHMOND",
		},
		map[string]string{
			"mac": "11302", "locality_code": "02", "state_name": "VIRGINIA",
			"fee_area": "NORTHERN NECK", "county_names": "RICHMOND",
		},
	)

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 2 {
		t.Fatalf("rows = %d, want 2", result.Data.Len())
	}
	got := map[string]string{}
	for r := 0; r < result.Data.Len(); r++ {
		got[result.Data.Value(r, "locality_code")] = result.Data.Value(r, "county_fips")
	}
	// CITY in the fee area prefers the independent city (51760); the
	// plain fee area prefers Richmond County (51159).
	if got["01"] != "760" {
		t.Errorf("locality 01 county_fips = %q, want 760 (Richmond city)", got["01"])
	}
	if got["02"] != "159" {
		t.Errorf("locality 02 county_fips = %q, want 159 (Richmond County)", got["02"])
	}
}

func TestSaintLouisAliasMatch(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(map[string]string{
		"mac": "05302", "locality_code": "01", "state_name": "MISSOURI",
		"fee_area": "METROPOLITAN ST. LOUIS", "county_names": "SAINT LOUIS",
	})

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 1 {
		t.Fatalf("rows = %d, want 1", result.Data.Len())
	}
	if got := result.Data.Value(0, "county_fips"); got != "189" {
		t.Errorf("county_fips = %q, want 189 (St. Louis County)", got)
	}
	if got := result.Data.Value(0, "match_method"); got != "alias" {
		t.Errorf("match_method = %q, want alias", got)
	}
}

func TestUnknownStateQuarantined(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(map[string]string{
		"mac": "00000", "locality_code": "01", "state_name": "FREEDONIA",
		"fee_area": "NOWHERE", "county_names": "ALL COUNTIES",
	})

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 0 {
		t.Errorf("rows = %d, want 0", result.Data.Len())
	}
	if result.Rejects.Len() != 1 {
		t.Fatalf("rejects = %d, want 1", result.Rejects.Len())
	}
	if got := result.Rejects.Value(0, "validation_rule_id"); got != ReasonUnknownState {
		t.Errorf("reason = %q", got)
	}
}

func TestFuzzyMatchUnambiguous(t *testing.T) {
	n := newTestNormalizer(t, true)
	stage1 := stage1Table(map[string]string{
		"mac": "01112", "locality_code": "07", "state_name": "CALIFORNIA",
		"fee_area": "GOLD COUNTRY", "county_names": "TUOLUMNE COUNTY", // LSAD suffix in the raw file
	})

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 1 {
		t.Fatalf("rows = %d, want 1 (fuzzy match)", result.Data.Len())
	}
	if got := result.Data.Value(0, "county_fips"); got != "109" {
		t.Errorf("county_fips = %q, want 109 (Tuolumne)", got)
	}
	if got := result.Data.Value(0, "match_method"); got != "fuzzy" {
		t.Errorf("match_method = %q", got)
	}
}

func TestFuzzyDisabledQuarantines(t *testing.T) {
	n := newTestNormalizer(t, false)
	stage1 := stage1Table(map[string]string{
		"mac": "01112", "locality_code": "07", "state_name": "CALIFORNIA",
		"fee_area": "GOLD COUNTRY", "county_names": "TUOLUMNE COUNTY",
	})

	result, err := n.Normalize(stage1, stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Rejects.Len() != 1 {
		t.Fatalf("rejects = %d, want 1", result.Rejects.Len())
	}
	if got := result.Rejects.Value(0, "validation_rule_id"); got != ReasonNoMatch {
		t.Errorf("reason = %q", got)
	}
}

func TestDuplicateStage1RowsCollapse(t *testing.T) {
	n := newTestNormalizer(t, false)
	row := map[string]string{
		"mac": "01112", "locality_code": "05", "state_name": "CALIFORNIA",
		"fee_area": "SAN FRANCISCO", "county_names": "SAN FRANCISCO",
	}
	result, err := n.Normalize(stage1Table(row, row), stage2Meta())
	if err != nil {
		t.Fatal(err)
	}
	if result.Data.Len() != 1 {
		t.Errorf("rows = %d, want 1 after key collapse", result.Data.Len())
	}
}

func TestTokenSetRatio(t *testing.T) {
	if r := tokenSetRatio("SAN FRANCISCO", "San Francisco"); r != 1.0 {
		t.Errorf("identical names ratio = %f", r)
	}
	if r := tokenSetRatio("TUOLUMNE COUNTY", "Tuolumne"); r != 1.0 {
		t.Errorf("subset tokens ratio = %f, want 1.0", r)
	}
	if r := tokenSetRatio("TOULUMNE", "Tuolumne"); r < 0.7 || r >= 0.92 {
		t.Errorf("transposition ratio = %f, want below the fuzzy threshold", r)
	}
	if r := tokenSetRatio("ORANGE", "ALAMEDA"); r > 0.5 {
		t.Errorf("unrelated names ratio = %f, unexpectedly high", r)
	}
}
