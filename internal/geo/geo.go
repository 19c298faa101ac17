// Package geo owns the published geography tables and the reference
// tables the nearest-ZIP resolver reads: ZIP5 locality, ZIP9 override
// ranges, the ZIP-to-ZCTA crosswalk, Gazetteer and NBER centroids, NBER
// pair distances, and ZIP metadata. Published tables are append-only by
// ingest_run_id; supersession is expressed by effective_to, never by
// UPDATE.
package geo

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ZipLocality is one CMS ZIP5 to state/locality row.
type ZipLocality struct {
	Zip5          string
	State         string
	Locality      string
	CarrierMAC    string
	RuralFlag     *bool
	EffectiveFrom string
	EffectiveTo   string
	Vintage       string
}

// Zip9Override maps an inclusive ZIP9 range to a state and locality.
type Zip9Override struct {
	Zip9Low       string
	Zip9High      string
	State         string
	Locality      string
	RuralFlag     *bool
	EffectiveFrom string
	EffectiveTo   string
	Vintage       string
}

// CrosswalkRow is one ZIP-to-ZCTA mapping.
type CrosswalkRow struct {
	Zip5         string
	ZCTA5        string
	Relationship string
	Weight       *float64
	City         string
	State        string
	Vintage      string
}

// Centroid is a ZCTA centroid with provenance.
type Centroid struct {
	ZCTA5      string
	Lat        float64
	Lon        float64
	Vintage    string
	Provenance string // gazetteer or nber_fallback
}

// ZipMeta carries the PO Box flag and population for a ZIP5.
type ZipMeta struct {
	Zip5       string
	Population *int64
	IsPOBox    bool
	Vintage    string
}

// Candidate is one same-state resolver candidate.
type Candidate struct {
	Zip5       string
	ZCTA5      string
	Locality   string
	Population *int64
}

// Store is the SQLite-backed geography store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// NewStore creates the geography tables on an existing database handle
// (shared with the run-metadata store).
func NewStore(db *sql.DB, log *zap.Logger) (*Store, error) {
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create geo tables: %w", err)
	}
	return &Store{db: db, log: log.Named("geo")}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cms_zip_locality (
		zip5 TEXT NOT NULL,
		state TEXT NOT NULL,
		locality TEXT NOT NULL,
		carrier_mac TEXT,
		rural_flag BOOLEAN,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		vintage TEXT NOT NULL,
		source_filename TEXT,
		ingest_run_id TEXT,
		PRIMARY KEY (zip5, effective_from)
	);
	CREATE INDEX IF NOT EXISTS idx_zip_locality_state ON cms_zip_locality(state);
	CREATE INDEX IF NOT EXISTS idx_zip_locality_vintage ON cms_zip_locality(vintage);

	CREATE TABLE IF NOT EXISTS zip9_overrides (
		zip9_low TEXT NOT NULL,
		zip9_high TEXT NOT NULL,
		state TEXT NOT NULL,
		locality TEXT NOT NULL,
		rural_flag BOOLEAN,
		effective_from TEXT,
		effective_to TEXT,
		vintage TEXT NOT NULL,
		source_filename TEXT,
		ingest_run_id TEXT,
		PRIMARY KEY (zip9_low, zip9_high, vintage)
	);
	CREATE INDEX IF NOT EXISTS idx_zip9_state ON zip9_overrides(state);

	CREATE TABLE IF NOT EXISTS zip_to_zcta (
		zip5 TEXT NOT NULL,
		zcta5 TEXT NOT NULL,
		relationship TEXT,
		weight REAL,
		city TEXT,
		state TEXT,
		vintage TEXT NOT NULL,
		PRIMARY KEY (zip5, zcta5, vintage)
	);
	CREATE INDEX IF NOT EXISTS idx_zip_to_zcta_zcta ON zip_to_zcta(zcta5);

	CREATE TABLE IF NOT EXISTS zcta_coords (
		zcta5 TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		vintage TEXT NOT NULL,
		PRIMARY KEY (zcta5, vintage)
	);

	CREATE TABLE IF NOT EXISTS nber_centroids (
		zcta5 TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		vintage TEXT NOT NULL,
		PRIMARY KEY (zcta5, vintage)
	);

	CREATE TABLE IF NOT EXISTS zcta_distances (
		zcta5_a TEXT NOT NULL,
		zcta5_b TEXT NOT NULL,
		miles REAL NOT NULL,
		vintage TEXT NOT NULL,
		PRIMARY KEY (zcta5_a, zcta5_b, vintage)
	);

	CREATE TABLE IF NOT EXISTS zip_metadata (
		zip5 TEXT PRIMARY KEY,
		population INTEGER,
		is_pobox BOOLEAN NOT NULL DEFAULT 0,
		vintage TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nearest_zip_traces (
		trace_id TEXT PRIMARY KEY,
		input_zip TEXT NOT NULL,
		input_zip5 TEXT NOT NULL,
		input_zip9 TEXT,
		result_zip TEXT NOT NULL,
		distance_miles REAL NOT NULL,
		trace_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traces_input ON nearest_zip_traces(input_zip5);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertZipLocalities appends published ZIP5 locality rows for a batch.
func (s *Store) InsertZipLocalities(rows []ZipLocality, sourceFilename, ingestRunID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`
		INSERT INTO cms_zip_locality
		(zip5, state, locality, carrier_mac, rural_flag, effective_from, effective_to,
		 vintage, source_filename, ingest_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Zip5, r.State, r.Locality, nullStr(r.CarrierMAC),
			r.RuralFlag, r.EffectiveFrom, nullStr(r.EffectiveTo),
			r.Vintage, sourceFilename, ingestRunID); err != nil {
			return fmt.Errorf("insert zip locality %s: %w", r.Zip5, err)
		}
	}
	return tx.Commit()
}

// InsertZip9Overrides appends published ZIP9 override rows for a batch.
func (s *Store) InsertZip9Overrides(rows []Zip9Override, sourceFilename, ingestRunID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`
		INSERT INTO zip9_overrides
		(zip9_low, zip9_high, state, locality, rural_flag, effective_from, effective_to,
		 vintage, source_filename, ingest_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Zip9Low, r.Zip9High, r.State, r.Locality,
			r.RuralFlag, nullStr(r.EffectiveFrom), nullStr(r.EffectiveTo),
			r.Vintage, sourceFilename, ingestRunID); err != nil {
			return fmt.Errorf("insert zip9 override %s: %w", r.Zip9Low, err)
		}
	}
	return tx.Commit()
}

// LoadCrosswalk upserts ZIP-to-ZCTA crosswalk rows: a row with the same
// (zip5, zcta5, vintage) is replaced, and stored rows absent from the
// input are kept.
func (s *Store) LoadCrosswalk(rows []CrosswalkRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO zip_to_zcta (zip5, zcta5, relationship, weight, city, state, vintage)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Zip5, r.ZCTA5, r.Relationship, r.Weight,
			nullStr(r.City), nullStr(r.State), r.Vintage); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadCentroids loads Gazetteer (provenance "gazetteer") or NBER
// fallback centroids.
func (s *Store) LoadCentroids(rows []Centroid) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	gaz, err := tx.Prepare(`INSERT OR REPLACE INTO zcta_coords (zcta5, lat, lon, vintage) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer gaz.Close()
	nber, err := tx.Prepare(`INSERT OR REPLACE INTO nber_centroids (zcta5, lat, lon, vintage) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nber.Close()
	for _, c := range rows {
		stmt := gaz
		if c.Provenance == "nber_fallback" {
			stmt = nber
		}
		if _, err := stmt.Exec(c.ZCTA5, c.Lat, c.Lon, c.Vintage); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadNBERDistances loads precomputed pair distances. Pairs are stored
// once with zcta5_a < zcta5_b; lookup is order-insensitive.
func (s *Store) LoadNBERDistances(pairs map[[2]string]float64, vintage string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO zcta_distances (zcta5_a, zcta5_b, miles, vintage) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for pair, miles := range pairs {
		a, b := pair[0], pair[1]
		if b < a {
			a, b = b, a
		}
		if _, err := stmt.Exec(a, b, miles, vintage); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadZipMetadata loads the PO Box flags and populations.
func (s *Store) LoadZipMetadata(rows []ZipMeta) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO zip_metadata (zip5, population, is_pobox, vintage) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Zip5, r.Population, r.IsPOBox, r.Vintage); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ZipLocality returns the current locality row for a ZIP5, preferring
// open-ended rows and the latest effective_from.
func (s *Store) ZipLocality(zip5 string) (*ZipLocality, error) {
	row := s.db.QueryRow(`
		SELECT zip5, state, locality, COALESCE(carrier_mac, ''), rural_flag,
		       effective_from, COALESCE(effective_to, ''), vintage
		FROM cms_zip_locality WHERE zip5 = ?
		ORDER BY (effective_to IS NOT NULL), effective_from DESC LIMIT 1`, zip5)
	var z ZipLocality
	err := row.Scan(&z.Zip5, &z.State, &z.Locality, &z.CarrierMAC, &z.RuralFlag,
		&z.EffectiveFrom, &z.EffectiveTo, &z.Vintage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

// Zip9Override returns the override whose inclusive range contains the
// ZIP9, or nil.
func (s *Store) Zip9Override(zip9 string) (*Zip9Override, error) {
	row := s.db.QueryRow(`
		SELECT zip9_low, zip9_high, state, locality, rural_flag,
		       COALESCE(effective_from, ''), COALESCE(effective_to, ''), vintage
		FROM zip9_overrides WHERE zip9_low <= ? AND zip9_high >= ?
		ORDER BY zip9_low LIMIT 1`, zip9, zip9)
	var z Zip9Override
	err := row.Scan(&z.Zip9Low, &z.Zip9High, &z.State, &z.Locality, &z.RuralFlag,
		&z.EffectiveFrom, &z.EffectiveTo, &z.Vintage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

// StartingZCTA returns the crosswalk row for a ZIP5, preferring exact
// "Zip matches ZCTA" relationships, then highest weight with nulls last.
func (s *Store) StartingZCTA(zip5 string) (*CrosswalkRow, error) {
	row := s.db.QueryRow(`
		SELECT zip5, zcta5, COALESCE(relationship, ''), weight,
		       COALESCE(city, ''), COALESCE(state, ''), vintage
		FROM zip_to_zcta WHERE zip5 = ?
		ORDER BY (relationship = 'Zip matches ZCTA') DESC,
		         (weight IS NULL), weight DESC
		LIMIT 1`, zip5)
	var c CrosswalkRow
	err := row.Scan(&c.Zip5, &c.ZCTA5, &c.Relationship, &c.Weight, &c.City, &c.State, &c.Vintage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GazetteerCentroid returns the Gazetteer centroid for a ZCTA, or nil.
func (s *Store) GazetteerCentroid(zcta string) (*Centroid, error) {
	return s.centroid("zcta_coords", "gazetteer", zcta)
}

// NBERCentroid returns the NBER fallback centroid for a ZCTA, or nil.
func (s *Store) NBERCentroid(zcta string) (*Centroid, error) {
	return s.centroid("nber_centroids", "nber_fallback", zcta)
}

func (s *Store) centroid(table, provenance, zcta string) (*Centroid, error) {
	row := s.db.QueryRow(
		"SELECT zcta5, lat, lon, vintage FROM "+table+" WHERE zcta5 = ? ORDER BY vintage DESC LIMIT 1", zcta)
	var c Centroid
	err := row.Scan(&c.ZCTA5, &c.Lat, &c.Lon, &c.Vintage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Provenance = provenance
	return &c, nil
}

// NBERDistance returns the precomputed pair distance, order-insensitive.
func (s *Store) NBERDistance(zctaA, zctaB string) (float64, bool, error) {
	a, b := zctaA, zctaB
	if b < a {
		a, b = b, a
	}
	row := s.db.QueryRow(
		"SELECT miles FROM zcta_distances WHERE zcta5_a = ? AND zcta5_b = ? LIMIT 1", a, b)
	var miles float64
	err := row.Scan(&miles)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return miles, true, nil
}

// CandidatesInState returns every non-PO-Box ZIP5 in the state with a
// crosswalk row, excluding the input ZIP5. A null is_pobox is treated as
// false.
func (s *Store) CandidatesInState(state, excludeZip string) ([]Candidate, int, error) {
	rows, err := s.db.Query(`
		SELECT z.zip5,
		       (SELECT x.zcta5 FROM zip_to_zcta x WHERE x.zip5 = z.zip5
		        ORDER BY (x.relationship = 'Zip matches ZCTA') DESC,
		                 (x.weight IS NULL), x.weight DESC
		        LIMIT 1) AS zcta5,
		       z.locality, m.population, COALESCE(m.is_pobox, 0)
		FROM cms_zip_locality z
		LEFT JOIN zip_metadata m ON m.zip5 = z.zip5
		WHERE z.state = ? AND z.zip5 != ?
		  AND EXISTS (SELECT 1 FROM zip_to_zcta x2 WHERE x2.zip5 = z.zip5)
		GROUP BY z.zip5
		ORDER BY z.zip5`, state, excludeZip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Candidate
	excludedPOBox := 0
	for rows.Next() {
		var c Candidate
		var isPOBox bool
		if err := rows.Scan(&c.Zip5, &c.ZCTA5, &c.Locality, &c.Population, &isPOBox); err != nil {
			return nil, 0, err
		}
		if isPOBox {
			excludedPOBox++
			continue
		}
		out = append(out, c)
	}
	return out, excludedPOBox, rows.Err()
}

// InsertTrace persists one immutable resolver trace.
func (s *Store) InsertTrace(traceID, inputZip, zip5, zip9, resultZip string, distanceMiles float64, traceJSON []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO nearest_zip_traces
		(trace_id, input_zip, input_zip5, input_zip9, result_zip, distance_miles, trace_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		traceID, inputZip, zip5, nullStr(zip9), resultZip, distanceMiles,
		string(traceJSON), time.Now().UTC())
	return err
}

// RecordCount returns the row count of a published table. Used by the
// volume pillar.
func (s *Store) RecordCount(table string) (int64, error) {
	switch table {
	case "cms_zip_locality", "zip9_overrides", "zip_to_zcta", "zcta_coords",
		"nber_centroids", "zcta_distances", "zip_metadata":
	default:
		return 0, fmt.Errorf("unknown table %s", table)
	}
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
	return n, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
