// Package fips provides the static geographic reference data used by the
// locality normalizer: USPS state resolution and the county reference
// table (canonical name, FIPS codes, LSAD, aliases) derived from a
// Census Gazetteer vintage. The data is read-only during ingestion.
package fips

import "strings"

// State is one US state or territory.
type State struct {
	USPS string
	FIPS string
	Name string
}

var states = []State{
	{"AL", "01", "ALABAMA"}, {"AK", "02", "ALASKA"}, {"AZ", "04", "ARIZONA"},
	{"AR", "05", "ARKANSAS"}, {"CA", "06", "CALIFORNIA"}, {"CO", "08", "COLORADO"},
	{"CT", "09", "CONNECTICUT"}, {"DE", "10", "DELAWARE"}, {"DC", "11", "DISTRICT OF COLUMBIA"},
	{"FL", "12", "FLORIDA"}, {"GA", "13", "GEORGIA"}, {"HI", "15", "HAWAII"},
	{"ID", "16", "IDAHO"}, {"IL", "17", "ILLINOIS"}, {"IN", "18", "INDIANA"},
	{"IA", "19", "IOWA"}, {"KS", "20", "KANSAS"}, {"KY", "21", "KENTUCKY"},
	{"LA", "22", "LOUISIANA"}, {"ME", "23", "MAINE"}, {"MD", "24", "MARYLAND"},
	{"MA", "25", "MASSACHUSETTS"}, {"MI", "26", "MICHIGAN"}, {"MN", "27", "MINNESOTA"},
	{"MS", "28", "MISSISSIPPI"}, {"MO", "29", "MISSOURI"}, {"MT", "30", "MONTANA"},
	{"NE", "31", "NEBRASKA"}, {"NV", "32", "NEVADA"}, {"NH", "33", "NEW HAMPSHIRE"},
	{"NJ", "34", "NEW JERSEY"}, {"NM", "35", "NEW MEXICO"}, {"NY", "36", "NEW YORK"},
	{"NC", "37", "NORTH CAROLINA"}, {"ND", "38", "NORTH DAKOTA"}, {"OH", "39", "OHIO"},
	{"OK", "40", "OKLAHOMA"}, {"OR", "41", "OREGON"}, {"PA", "42", "PENNSYLVANIA"},
	{"RI", "44", "RHODE ISLAND"}, {"SC", "45", "SOUTH CAROLINA"}, {"SD", "46", "SOUTH DAKOTA"},
	{"TN", "47", "TENNESSEE"}, {"TX", "48", "TEXAS"}, {"UT", "49", "UTAH"},
	{"VT", "50", "VERMONT"}, {"VA", "51", "VIRGINIA"}, {"WA", "53", "WASHINGTON"},
	{"WV", "54", "WEST VIRGINIA"}, {"WI", "55", "WISCONSIN"}, {"WY", "56", "WYOMING"},
	{"PR", "72", "PUERTO RICO"}, {"VI", "78", "VIRGIN ISLANDS"},
	{"AS", "60", "AMERICAN SAMOA"}, {"GU", "66", "GUAM"}, {"MP", "69", "NORTHERN MARIANA ISLANDS"},
}

// CMS files spell a few states differently than the Census does.
var stateAliases = map[string]string{
	"WASHINGTON DC":       "DC",
	"D.C.":                "DC",
	"VIRGIN ISLANDS U.S.": "VI",
	"US VIRGIN ISLANDS":   "VI",
	"N. MARIANA ISLANDS":  "MP",
}

var (
	stateByName = func() map[string]State {
		m := make(map[string]State, len(states)*2)
		for _, s := range states {
			m[s.Name] = s
			m[s.USPS] = s
		}
		for alias, usps := range stateAliases {
			for _, s := range states {
				if s.USPS == usps {
					m[alias] = s
				}
			}
		}
		return m
	}()
	stateByFIPS = func() map[string]State {
		m := make(map[string]State, len(states))
		for _, s := range states {
			m[s.FIPS] = s
		}
		return m
	}()
)

// normalizeName uppercases and collapses whitespace for lookup.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(name)), " ")
}

// ResolveState looks up a state by display name, USPS code, or alias,
// case and whitespace insensitive.
func ResolveState(name string) (State, bool) {
	s, ok := stateByName[normalizeName(name)]
	return s, ok
}

// StateByFIPS looks up a state by its 2-digit FIPS code.
func StateByFIPS(code string) (State, bool) {
	s, ok := stateByFIPS[code]
	return s, ok
}

// USPSCodes returns the postal codes of all states and territories.
func USPSCodes() map[string]bool {
	m := make(map[string]bool, len(states))
	for _, s := range states {
		m[s.USPS] = true
	}
	return m
}
