package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cmspricing/refpipe/internal/geo"
)

var geoVintage string

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Manage the resolver's reference tables",
}

// geoLoadCmd loads the non-CMS reference tables the resolver needs:
// the UDS ZIP-to-ZCTA crosswalk, Gazetteer and NBER centroids, NBER
// pair distances, and SimpleMaps ZIP metadata (PO Box flags).
var geoLoadCmd = &cobra.Command{
	Use:   "load <dir>",
	Short: "Load reference CSVs (crosswalk, centroids, distances, zip metadata)",
	Long: `Loads reference tables from a directory of CSV exports:

  zip_to_zcta.csv     zip5,zcta5,relationship,weight,city,state
  zcta_coords.csv     zcta5,lat,lon            (Gazetteer)
  nber_centroids.csv  zcta5,lat,lon            (fallback)
  zcta_distances.csv  zcta5_a,zcta5_b,miles    (NBER pairs)
  zip_metadata.csv    zip5,population,is_pobox

Missing files are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp("", false)
		if err != nil {
			return err
		}
		defer a.Close()
		return loadReferenceDir(a.Geo, args[0], geoVintage)
	},
}

func loadReferenceDir(store *geo.Store, dir, vintage string) error {
	if rows, err := readCSV(filepath.Join(dir, "zip_to_zcta.csv")); err == nil {
		var out []geo.CrosswalkRow
		for _, rec := range rows {
			if len(rec) < 2 {
				continue
			}
			row := geo.CrosswalkRow{Zip5: rec[0], ZCTA5: rec[1], Vintage: vintage}
			if len(rec) > 2 {
				row.Relationship = rec[2]
			}
			if len(rec) > 3 && rec[3] != "" {
				if w, err := strconv.ParseFloat(rec[3], 64); err == nil {
					row.Weight = &w
				}
			}
			if len(rec) > 4 {
				row.City = rec[4]
			}
			if len(rec) > 5 {
				row.State = rec[5]
			}
			out = append(out, row)
		}
		if err := store.LoadCrosswalk(out); err != nil {
			return fmt.Errorf("load crosswalk: %w", err)
		}
		fmt.Printf("loaded %d crosswalk rows\n", len(out))
	}

	for _, spec := range []struct {
		file       string
		provenance string
	}{
		{"zcta_coords.csv", "gazetteer"},
		{"nber_centroids.csv", "nber_fallback"},
	} {
		rows, err := readCSV(filepath.Join(dir, spec.file))
		if err != nil {
			continue
		}
		var out []geo.Centroid
		for _, rec := range rows {
			if len(rec) < 3 {
				continue
			}
			lat, err1 := strconv.ParseFloat(rec[1], 64)
			lon, err2 := strconv.ParseFloat(rec[2], 64)
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, geo.Centroid{
				ZCTA5: rec[0], Lat: lat, Lon: lon,
				Vintage: vintage, Provenance: spec.provenance,
			})
		}
		if err := store.LoadCentroids(out); err != nil {
			return fmt.Errorf("load %s: %w", spec.file, err)
		}
		fmt.Printf("loaded %d centroids from %s\n", len(out), spec.file)
	}

	if rows, err := readCSV(filepath.Join(dir, "zcta_distances.csv")); err == nil {
		pairs := make(map[[2]string]float64, len(rows))
		for _, rec := range rows {
			if len(rec) < 3 {
				continue
			}
			miles, err := strconv.ParseFloat(rec[2], 64)
			if err != nil {
				continue
			}
			pairs[[2]string{rec[0], rec[1]}] = miles
		}
		if err := store.LoadNBERDistances(pairs, vintage); err != nil {
			return fmt.Errorf("load distances: %w", err)
		}
		fmt.Printf("loaded %d NBER pair distances\n", len(pairs))
	}

	if rows, err := readCSV(filepath.Join(dir, "zip_metadata.csv")); err == nil {
		var out []geo.ZipMeta
		for _, rec := range rows {
			if len(rec) < 1 {
				continue
			}
			m := geo.ZipMeta{Zip5: rec[0], Vintage: vintage}
			if len(rec) > 1 && rec[1] != "" {
				if p, err := strconv.ParseInt(rec[1], 10, 64); err == nil {
					m.Population = &p
				}
			}
			if len(rec) > 2 {
				m.IsPOBox = rec[2] == "true" || rec[2] == "1"
			}
			out = append(out, m)
		}
		if err := store.LoadZipMetadata(out); err != nil {
			return fmt.Errorf("load zip metadata: %w", err)
		}
		fmt.Printf("loaded %d zip metadata rows\n", len(out))
	}
	return nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		records = records[1:] // header
	}
	return records, nil
}

func init() {
	geoLoadCmd.Flags().StringVar(&geoVintage, "vintage", "2025", "Reference vintage label")
	geoCmd.AddCommand(geoLoadCmd)
	rootCmd.AddCommand(geoCmd)
}
