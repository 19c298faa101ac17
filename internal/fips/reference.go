package fips

import (
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

//go:embed data/counties_2025.csv
var bundled embed.FS

// County is one row of the county reference table.
type County struct {
	StateFIPS string
	CountyFIPS string
	Name      string // canonical Census name, without the LSAD suffix
	LSAD      string // County, Parish, Borough, city, ...
	Aliases   []string
}

// Reference is the county lookup table for one Census vintage.
// Read-only after load.
type Reference struct {
	Vintage string
	byState map[string][]County
}

// Load reads the county reference table. With a reference directory the
// table comes from <dir>/counties.csv (a full Census Gazetteer export);
// otherwise the bundled abridged vintage is used.
func Load(referenceDir string) (*Reference, error) {
	var r io.Reader
	vintage := "2025"
	if referenceDir != "" {
		f, err := os.Open(filepath.Join(referenceDir, "counties.csv"))
		if err != nil {
			return nil, fmt.Errorf("open county reference: %w", err)
		}
		defer f.Close()
		r = f
	} else {
		data, err := bundled.ReadFile("data/counties_2025.csv")
		if err != nil {
			return nil, err
		}
		r = strings.NewReader(string(data))
	}
	return parseReference(r, vintage)
}

func parseReference(r io.Reader, vintage string) (*Reference, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse county reference: %w", err)
	}
	ref := &Reference{Vintage: vintage, byState: make(map[string][]County)}
	for i, rec := range records {
		if i == 0 || len(rec) < 4 {
			continue
		}
		c := County{
			StateFIPS:  rec[0],
			CountyFIPS: rec[1],
			Name:       rec[2],
			LSAD:       rec[3],
		}
		if len(rec) > 4 && rec[4] != "" {
			c.Aliases = strings.Split(rec[4], "|")
		}
		ref.byState[c.StateFIPS] = append(ref.byState[c.StateFIPS], c)
	}
	return ref, nil
}

// Counties returns all counties for a state FIPS code, in the order they
// appear in the reference file.
func (r *Reference) Counties(stateFIPS string) []County {
	return r.byState[stateFIPS]
}

// MatchExact finds counties whose canonical name equals the raw name,
// case and whitespace insensitive. More than one result means the name
// is ambiguous within the state (e.g. Richmond city vs Richmond County
// in VA) and the caller must tie-break on LSAD.
func (r *Reference) MatchExact(stateFIPS, rawName string) []County {
	want := normalizeName(rawName)
	var out []County
	for _, c := range r.byState[stateFIPS] {
		if normalizeName(c.Name) == want {
			out = append(out, c)
		}
	}
	return out
}

// MatchAlias finds counties with an alias equal to the raw name.
func (r *Reference) MatchAlias(stateFIPS, rawName string) []County {
	want := normalizeName(rawName)
	var out []County
	for _, c := range r.byState[stateFIPS] {
		for _, a := range c.Aliases {
			if normalizeName(a) == want {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
