package schema

import (
	"fmt"
	"sort"
)

// Registry holds the schema contracts known to this build. It is static
// process-wide state, constructed once and injected into components.
type Registry struct {
	byID map[string]*Contract
}

// NewRegistry returns a registry preloaded with the canonical CMS
// dataset contracts.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]*Contract)}
	for _, c := range builtinContracts() {
		r.byID[c.ID()] = c
	}
	return r
}

// Get returns the contract with the given schema id.
func (r *Registry) Get(schemaID string) (*Contract, error) {
	c, ok := r.byID[schemaID]
	if !ok {
		return nil, fmt.Errorf("unknown schema contract: %s", schemaID)
	}
	return c, nil
}

// ForDataset returns the contract for a dataset name.
func (r *Registry) ForDataset(dataset string) (*Contract, error) {
	for _, c := range r.byID {
		if c.Name == dataset {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no schema contract for dataset: %s", dataset)
}

// IDs returns all known schema ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func builtinContracts() []*Contract {
	rvuCol := func(name, desc string) Column {
		return Column{Name: name, Type: "float", Nullable: true, Description: desc, Precision: 2, Rounding: HalfUp}
	}
	gpciCol := func(name, desc string) Column {
		return Column{Name: name, Type: "float", Nullable: false, Description: desc, Precision: 3, Rounding: HalfUp, Critical: true}
	}

	pprrvu := &Contract{
		Name:           "pprrvu",
		Version:        "1.0",
		Description:    "CMS Physician/Practitioner RVU components by HCPCS code",
		Source:         "CMS.gov - PFS Relative Value Files",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "hcpcs", Type: "string", Nullable: false, Pattern: `^[A-Z0-9]{5}$`, Critical: true,
				Description: "5-character HCPCS procedure code"},
			{Name: "modifier", Type: "string", Nullable: true, Description: "Payment modifier (e.g. 26, TC)"},
			{Name: "status_code", Type: "string", Nullable: false, Critical: true,
				Domain:         []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "M", "N", "P", "R", "T", "X"},
				DomainSeverity: Block,
				Description:    "Payment status indicator"},
			{Name: "global_days", Type: "string", Nullable: true,
				Domain:         []string{"000", "010", "090", "XXX", "YYY", "ZZZ", "MMM", "PPP"},
				DomainSeverity: Block,
				Description:    "Global surgery period"},
			rvuCol("work_rvu", "Physician work RVU"),
			rvuCol("pe_rvu_nonfac", "Practice expense RVU, non-facility"),
			rvuCol("pe_rvu_fac", "Practice expense RVU, facility"),
			rvuCol("mp_rvu", "Malpractice RVU"),
			{Name: "na_indicator", Type: "string", Nullable: true,
				Domain: []string{"Y", "N"}, DomainSeverity: Block,
				Description: "Non-facility NA indicator"},
			{Name: "bilateral_ind", Type: "string", Nullable: true, Description: "Bilateral surgery indicator"},
			{Name: "multiple_proc_ind", Type: "string", Nullable: true, Description: "Multiple procedure indicator"},
			{Name: "assistant_surg_ind", Type: "string", Nullable: true, Description: "Assistant at surgery indicator"},
			{Name: "co_surg_ind", Type: "string", Nullable: true, Description: "Co-surgeons indicator"},
			{Name: "team_surg_ind", Type: "string", Nullable: true, Description: "Team surgery indicator"},
			{Name: "opps_cap_applicable", Type: "boolean", Nullable: true, Description: "OPPS payment cap applies"},
			{Name: "effective_from", Type: "date", Nullable: false, Critical: true, Description: "Effective start date"},
		},
		NaturalKeys: []string{"hcpcs", "modifier", "effective_from"},
		ColumnOrder: []string{
			"hcpcs", "modifier", "status_code", "global_days",
			"work_rvu", "pe_rvu_nonfac", "pe_rvu_fac", "mp_rvu",
			"na_indicator", "bilateral_ind", "multiple_proc_ind",
			"assistant_surg_ind", "co_surg_ind", "team_surg_ind",
			"opps_cap_applicable", "effective_from",
		},
		HashMetadataExcluded: MetadataColumns,
	}

	gpci := &Contract{
		Name:           "gpci",
		Version:        "1.2",
		Description:    "Geographic Practice Cost Indices by Medicare locality",
		Source:         "CMS.gov - PFS Relative Value Files",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "mac", Type: "string", Nullable: false, Pattern: `^\d{5}$`, Description: "Medicare Administrative Contractor"},
			{Name: "state", Type: "string", Nullable: false, Pattern: `^[A-Z]{2}$`, Critical: true, Description: "Two-letter state code"},
			{Name: "locality_code", Type: "string", Nullable: false, Pattern: `^\d+$`, Critical: true, Description: "CMS locality code"},
			{Name: "locality_name", Type: "string", Nullable: true, Description: "Locality display name"},
			gpciCol("work_gpci", "Work GPCI"),
			gpciCol("pe_gpci", "Practice expense GPCI"),
			gpciCol("mp_gpci", "Malpractice GPCI"),
			{Name: "effective_from", Type: "date", Nullable: false, Critical: true, Description: "Effective start date"},
		},
		NaturalKeys: []string{"locality_code", "effective_from"},
		ColumnOrder: []string{
			"mac", "state", "locality_code", "locality_name",
			"work_gpci", "pe_gpci", "mp_gpci", "effective_from",
		},
		HashMetadataExcluded: MetadataColumns,
	}

	convFactor := &Contract{
		Name:           "conversion_factor",
		Version:        "2.0",
		Description:    "National physician and anesthesia conversion factors",
		Source:         "CMS.gov - Federal Register PFS Final Rule",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "cf_type", Type: "string", Nullable: false, Critical: true,
				Domain: []string{"physician", "anesthesia"}, DomainSeverity: Block,
				Description: "Conversion factor type"},
			{Name: "cf_value", Type: "float", Nullable: false, Precision: 4, Rounding: HalfUp, Critical: true,
				Description: "Dollar-per-RVU multiplier"},
			{Name: "cf_description", Type: "string", Nullable: true, Description: "Source note"},
			{Name: "effective_from", Type: "date", Nullable: false, Critical: true, Description: "Effective start date"},
			{Name: "effective_to", Type: "date", Nullable: true, Description: "Effective end date, null when ongoing"},
		},
		NaturalKeys:          []string{"cf_type", "effective_from"},
		ColumnOrder:          []string{"cf_type", "cf_value", "cf_description", "effective_from", "effective_to"},
		HashMetadataExcluded: MetadataColumns,
	}

	localityRaw := &Contract{
		Name:           "locality_raw",
		Version:        "1.0",
		Description:    "Layout-faithful locality-county crosswalk (stage 1, name-based)",
		Source:         "CMS.gov - Locality/County crosswalk (LOCCO)",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "mac", Type: "string", Nullable: false, Pattern: `^\d{5}$`, Critical: true, Description: "Medicare Administrative Contractor"},
			{Name: "locality_code", Type: "string", Nullable: false, Pattern: `^\d{2}$`, Critical: true, Description: "CMS locality code"},
			{Name: "state_name", Type: "string", Nullable: false, Critical: true, Description: "State display name, forward-filled"},
			{Name: "fee_area", Type: "string", Nullable: true, Description: "Fee schedule area name"},
			{Name: "county_names", Type: "string", Nullable: true, Description: "Raw county list or set expression"},
		},
		// Stage 1 preserves duplicates; the key is logged, not enforced.
		NaturalKeys:          []string{"mac", "locality_code"},
		ColumnOrder:          []string{"mac", "locality_code", "state_name", "fee_area", "county_names"},
		HashMetadataExcluded: MetadataColumns,
	}

	localityFIPS := &Contract{
		Name:           "locality_fips",
		Version:        "1.0",
		Description:    "FIPS-coded locality-county rows (stage 2, one row per county)",
		Source:         "Derived: LOCCO crosswalk x Census TIGER Gazetteer",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "mac", Type: "string", Nullable: false, Critical: true, Description: "Medicare Administrative Contractor"},
			{Name: "locality_code", Type: "string", Nullable: false, Critical: true, Description: "CMS locality code"},
			{Name: "state_fips", Type: "string", Nullable: false, Pattern: `^\d{2}$`, Critical: true, Description: "State FIPS code"},
			{Name: "county_fips", Type: "string", Nullable: false, Pattern: `^\d{3}$`, Critical: true, Description: "County FIPS code"},
			{Name: "county_name_canonical", Type: "string", Nullable: false, Description: "Canonical Census county name"},
			{Name: "lsad", Type: "string", Nullable: true, Description: "Legal/statistical area descriptor"},
			{Name: "fee_area", Type: "string", Nullable: true, Description: "Fee schedule area name"},
			{Name: "match_method", Type: "string", Nullable: false,
				Domain: []string{"exact", "alias", "fuzzy", "set_logic"}, DomainSeverity: Block,
				Description: "How the county name matched the reference"},
			{Name: "expansion_method", Type: "string", Nullable: false,
				Domain: []string{"explicit_list", "all_counties", "all_counties_except", "rest_of_state"}, DomainSeverity: Block,
				Description: "How county_names expanded to a set"},
		},
		NaturalKeys: []string{"mac", "locality_code", "state_fips", "county_fips"},
		ColumnOrder: []string{
			"mac", "locality_code", "state_fips", "county_fips",
			"county_name_canonical", "lsad", "fee_area", "match_method", "expansion_method",
		},
		HashMetadataExcluded: MetadataColumns,
	}

	zipLocality := &Contract{
		Name:           "zip_locality",
		Version:        "1.0",
		Description:    "CMS ZIP5 to state/locality mapping",
		Source:         "CMS.gov - Zip Code to Carrier Locality files",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "zip5", Type: "string", Nullable: false, Pattern: `^\d{5}$`, Critical: true, Description: "5-digit ZIP code"},
			{Name: "state", Type: "string", Nullable: false, Pattern: `^[A-Z]{2}$`, Critical: true, Description: "Two-letter state code"},
			{Name: "locality", Type: "string", Nullable: false, Pattern: `^\d+$`, Critical: true, Description: "CMS locality code"},
			{Name: "carrier_mac", Type: "string", Nullable: true, Description: "Carrier/MAC identifier"},
			{Name: "rural_flag", Type: "boolean", Nullable: true, Description: "Rural payment flag"},
			{Name: "effective_from", Type: "date", Nullable: false, Critical: true, Description: "Effective start date"},
			{Name: "effective_to", Type: "date", Nullable: true, Description: "Effective end date, null when ongoing"},
		},
		NaturalKeys: []string{"zip5", "effective_from"},
		ColumnOrder: []string{
			"zip5", "state", "locality", "carrier_mac", "rural_flag",
			"effective_from", "effective_to",
		},
		HashMetadataExcluded: MetadataColumns,
	}

	zip9 := &Contract{
		Name:           "zip9_overrides",
		Version:        "1.0",
		Description:    "CMS ZIP9 override ranges for precise locality mapping",
		Source:         "CMS.gov - Zip Codes Requiring 4 Extension files",
		Classification: "public",
		License:        "CMS Public Domain",
		Columns: []Column{
			{Name: "zip9_low", Type: "string", Nullable: false, Pattern: `^\d{9}$`, Critical: true, Description: "Low end of ZIP9 range"},
			{Name: "zip9_high", Type: "string", Nullable: false, Pattern: `^\d{9}$`, Critical: true, Description: "High end of ZIP9 range"},
			{Name: "state", Type: "string", Nullable: false, Pattern: `^[A-Z]{2}$`, Critical: true, Description: "Two-letter state code"},
			{Name: "locality", Type: "string", Nullable: false, Pattern: `^\d+$`, Critical: true, Description: "CMS locality code"},
			{Name: "rural_flag", Type: "boolean", Nullable: true, Description: "Rural payment flag"},
			{Name: "effective_from", Type: "date", Nullable: false, Critical: true, Description: "Effective start date"},
			{Name: "effective_to", Type: "date", Nullable: true, Description: "Effective end date, null when ongoing"},
		},
		NaturalKeys: []string{"zip9_low", "zip9_high"},
		ColumnOrder: []string{
			"zip9_low", "zip9_high", "state", "locality", "rural_flag",
			"effective_from", "effective_to",
		},
		HashMetadataExcluded: MetadataColumns,
	}

	return []*Contract{pprrvu, gpci, convFactor, localityRaw, localityFIPS, zipLocality, zip9}
}
