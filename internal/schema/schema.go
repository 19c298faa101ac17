// Package schema defines versioned schema contracts for the canonical
// datasets. A contract names the dataset's columns, natural keys, the
// column order used for row hashing, categorical domains, and numeric
// precision. Contracts are the single source of truth for parsers,
// validators, and the publish stage.
package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Rounding selects the decimal rounding mode for a numeric column.
type Rounding string

const (
	HalfUp   Rounding = "HALF_UP"
	HalfEven Rounding = "HALF_EVEN"
)

// Severity is a validation severity level.
type Severity string

const (
	Block Severity = "BLOCK"
	Warn  Severity = "WARN"
	Info  Severity = "INFO"
)

// Column describes one schema column.
type Column struct {
	Name        string
	Type        string // string, integer, float, boolean, date
	Nullable    bool
	Description string
	Pattern     string // optional validation regex

	// Numeric canonicalization, float columns only.
	Precision int
	Rounding  Rounding

	// Categorical domain, case-sensitive after string normalization.
	Domain         []string
	DomainSeverity Severity

	// Critical columns must be >= 99% non-null or the quality score drops.
	Critical bool
}

// Contract is a versioned schema contract for one dataset.
type Contract struct {
	Name                 string // dataset name, e.g. "gpci"
	Version              string // SemVer major.minor, e.g. "1.2"
	Description          string
	Source               string
	Classification       string
	License              string
	AttributionRequired  bool
	Columns              []Column
	NaturalKeys          []string
	ColumnOrder          []string // hashing order; data columns only
	HashMetadataExcluded []string // metadata columns never hashed
}

// ID returns the schema identifier, e.g. "cms_gpci_v1.2".
func (c *Contract) ID() string {
	return fmt.Sprintf("cms_%s_v%s", c.Name, c.Version)
}

// Column returns the named column, or nil.
func (c *Contract) Column(name string) *Column {
	for i := range c.Columns {
		if c.Columns[i].Name == name {
			return &c.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns all data column names in declaration order.
func (c *Contract) ColumnNames() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// MetadataColumns are injected into every canonical row after validation
// and are always excluded from the row content hash.
var MetadataColumns = []string{
	"release_id",
	"vintage_date",
	"product_year",
	"quarter_vintage",
	"source_filename",
	"source_file_sha256",
	"schema_id",
	"parsed_at",
	"row_content_hash",
}

// artifactColumn is the on-disk columns-map entry of schema_contract.json.
type artifactColumn struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Nullable    bool     `json:"nullable"`
	Description string   `json:"description,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Precision   *int     `json:"precision,omitempty"`
	Rounding    Rounding `json:"rounding_mode,omitempty"`
	Domain      []string `json:"domain,omitempty"`
}

type artifact struct {
	Name                 string                    `json:"name"`
	Version              string                    `json:"version"`
	Description          string                    `json:"description"`
	Source               string                    `json:"source"`
	Classification       string                    `json:"classification"`
	License              string                    `json:"license"`
	AttributionRequired  bool                      `json:"attribution_required"`
	SchemaVersion        string                    `json:"schema_version"`
	CreatedAt            string                    `json:"created_at"`
	Columns              map[string]artifactColumn `json:"columns"`
	NaturalKeys          []string                  `json:"natural_keys"`
	ColumnOrder          []string                  `json:"column_order"`
	HashMetadataExcluded []string                  `json:"hash_metadata_exclusions"`
}

// MarshalArtifact renders the contract as the schema_contract.json
// document written to stage/<release_id>/.
func (c *Contract) MarshalArtifact(createdAt time.Time) ([]byte, error) {
	cols := make(map[string]artifactColumn, len(c.Columns))
	for _, col := range c.Columns {
		ac := artifactColumn{
			Name:        col.Name,
			Type:        col.Type,
			Nullable:    col.Nullable,
			Description: col.Description,
			Pattern:     col.Pattern,
			Rounding:    col.Rounding,
			Domain:      col.Domain,
		}
		if col.Type == "float" {
			p := col.Precision
			ac.Precision = &p
		}
		cols[col.Name] = ac
	}
	doc := artifact{
		Name:                 c.Name,
		Version:              c.Version,
		Description:          c.Description,
		Source:               c.Source,
		Classification:       c.Classification,
		License:              c.License,
		AttributionRequired:  c.AttributionRequired,
		SchemaVersion:        c.Version + ".0",
		CreatedAt:            createdAt.UTC().Format(time.RFC3339),
		Columns:              cols,
		NaturalKeys:          c.NaturalKeys,
		ColumnOrder:          c.ColumnOrder,
		HashMetadataExcluded: c.HashMetadataExcluded,
	}
	return json.MarshalIndent(doc, "", "  ")
}
