package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/geo"
	"github.com/cmspricing/refpipe/internal/land"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/normalize"
	"github.com/cmspricing/refpipe/internal/parserkit"
	"github.com/cmspricing/refpipe/internal/parsers"
	"github.com/cmspricing/refpipe/internal/publish"
	"github.com/cmspricing/refpipe/internal/schema"
	"github.com/cmspricing/refpipe/internal/validate"
)

// Datasets the pipeline can ingest. "zip_locality" also produces
// "zip9_overrides" from the same archive; "locality" runs the two-stage
// parse plus FIPS normalization.
var SupportedDatasets = []string{
	"conversion_factor", "pprrvu", "gpci", "locality", "zip_locality",
}

// datasetOutput is one canonical frame ready for publication.
type datasetOutput struct {
	Dataset        string
	Contract       *schema.Contract
	Data           *parserkit.Table
	Rejects        *parserkit.Table
	SourceFilename string
	Metrics        parserkit.Metrics
}

// ingestorRun carries the Validate/Normalize/Enrich results into the
// Publish stage.
type ingestorRun struct {
	Outputs       []datasetOutput
	Summary       validate.Summary
	Warnings      []string
	QualityScore  float64
	SchemaVersion string
	InputCount    int
	RejectCount   int
	Manifests     []publish.DatasetManifest
}

func (p *Pipeline) runIngestor(ctx context.Context, release *models.Release, dataset string, files []models.SourceFile) (*ingestorRun, error) {
	switch dataset {
	case "zip_locality":
		return p.ingestZipGeography(ctx, release, files)
	case "locality":
		return p.ingestLocality(ctx, release, files)
	default:
		return p.ingestTabular(ctx, release, dataset, files)
	}
}

// metadataFor builds the per-file parse metadata.
func (p *Pipeline) metadataFor(release *models.Release, sf models.SourceFile, schemaID string) parserkit.Metadata {
	return parserkit.Metadata{
		ReleaseID:      release.ReleaseID,
		VintageDate:    release.VintageDate,
		ProductYear:    release.ProductYear,
		QuarterVintage: release.QuarterVintage,
		SourceFilename: sf.Filename,
		SourceSHA256:   sf.SHA256,
		SchemaID:       schemaID,
		ParsedAt:       time.Now().UTC(),
	}
}

// matchFiles returns the landed files routed to a dataset.
func matchFiles(files []models.SourceFile, dataset string) []models.SourceFile {
	var out []models.SourceFile
	for _, sf := range files {
		ds, err := parsers.Route(sf.Filename)
		if err != nil {
			continue
		}
		if ds == dataset || (dataset == "locality" && ds == "locality_raw") {
			out = append(out, sf)
		}
	}
	return out
}

// ingestTabular covers conversion_factor, pprrvu, and gpci: parse the
// routed files, validate, and stage one curated output.
func (p *Pipeline) ingestTabular(ctx context.Context, release *models.Release, dataset string, files []models.SourceFile) (*ingestorRun, error) {
	matched := matchFiles(files, dataset)
	if len(matched) == 0 {
		return nil, errors.Errorf(errors.KindSource, "no landed file routes to dataset %s", dataset)
	}
	contract, err := p.Registry.ForDataset(dataset)
	if err != nil {
		return nil, errors.Wrap("pipeline.contract", err)
	}

	type parsed struct {
		result parserkit.ParseResult
	}
	results := make([]parsed, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.Pipeline.ParallelParses)
	for i, sf := range matched {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			body, err := land.ReadRawFile(p.Cfg.Layout(), release.ReleaseID, sf.Filename)
			if err != nil {
				return errors.E(errors.Op("pipeline.read_raw"), errors.KindSource, err)
			}
			meta := p.metadataFor(release, sf, contract.ID())
			start := time.Now()
			var result parserkit.ParseResult
			switch dataset {
			case "conversion_factor":
				result, err = p.Parser.ParseConversionFactor(body, sf.Filename, meta)
			case "pprrvu":
				result, err = p.Parser.ParsePPRRVU(body, sf.Filename, meta)
			case "gpci":
				result, err = p.Parser.ParseGPCI(body, sf.Filename, meta)
			default:
				return errors.Errorf(errors.KindInternal, "no parser for dataset %s", dataset)
			}
			if err != nil {
				return err
			}
			result.Metrics["parse_elapsed"] = time.Since(start).Seconds()
			results[i] = parsed{result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, rejects := concat(results[0].result.Data, nil), concat(results[0].result.Rejects, nil)
	for _, r := range results[1:] {
		data = concat(data, r.result.Data)
		rejects = concat(rejects, r.result.Rejects)
	}

	summary := validate.Run(data, validate.Context{
		Contract: contract,
		Vintage:  release.VintageDate,
	})
	if !summary.Passed {
		return nil, errors.E(errors.Op("pipeline.validate"), errors.KindParse,
			errors.CodeCategoryValidation, "BLOCK-level validation failures").
			WithEvidence(contract.ID(), summary.WarningMessages())
	}

	run := &ingestorRun{
		Summary:       summary,
		Warnings:      summary.WarningMessages(),
		QualityScore:  summary.OverallQuality,
		SchemaVersion: contract.Version,
		InputCount:    data.Len() + rejects.Len(),
		RejectCount:   rejects.Len(),
	}
	run.Outputs = append(run.Outputs, datasetOutput{
		Dataset:        dataset,
		Contract:       contract,
		Data:           data,
		Rejects:        rejects,
		SourceFilename: matched[0].Filename,
		Metrics:        results[0].result.Metrics,
	})
	run.Manifests = append(run.Manifests, manifestFor(dataset, matched, data, rejects, summary))
	return run, nil
}

// ingestLocality runs the two-stage locality pipeline: layout-faithful
// stage 1, FIPS expansion stage 2. The published dataset is the
// FIPS-coded frame; stage-2 quarantine rows are the rejects.
func (p *Pipeline) ingestLocality(ctx context.Context, release *models.Release, files []models.SourceFile) (*ingestorRun, error) {
	matched := matchFiles(files, "locality")
	if len(matched) == 0 {
		return nil, errors.Errorf(errors.KindSource, "no landed file routes to dataset locality")
	}
	sf := matched[0]
	body, err := land.ReadRawFile(p.Cfg.Layout(), release.ReleaseID, sf.Filename)
	if err != nil {
		return nil, errors.E(errors.Op("pipeline.read_raw"), errors.KindSource, err)
	}

	rawContract, err := p.Registry.Get("cms_locality_raw_v1.0")
	if err != nil {
		return nil, err
	}
	stage1, err := p.Parser.ParseLocalityRaw(body, sf.Filename, p.metadataFor(release, sf, rawContract.ID()))
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stage2, err := p.Normalizer.Normalize(stage1.Data, p.metadataFor(release, sf, normalize.SchemaID))
	if err != nil {
		return nil, err
	}
	fipsContract, err := p.Registry.Get(normalize.SchemaID)
	if err != nil {
		return nil, err
	}

	summary := validate.Run(stage2.Data, validate.Context{
		Contract: fipsContract,
		Vintage:  release.VintageDate,
	})
	if !summary.Passed {
		return nil, errors.E(errors.Op("pipeline.validate"), errors.KindParse,
			errors.CodeCategoryValidation, "BLOCK-level validation failures in locality stage 2").
			WithEvidence(fipsContract.ID(), summary.WarningMessages())
	}

	run := &ingestorRun{
		Summary:       summary,
		Warnings:      summary.WarningMessages(),
		QualityScore:  summary.OverallQuality,
		SchemaVersion: fipsContract.Version,
		InputCount:    stage1.Data.Len(),
		RejectCount:   stage2.Rejects.Len(),
	}
	run.Outputs = append(run.Outputs, datasetOutput{
		Dataset:        "locality_fips",
		Contract:       fipsContract,
		Data:           stage2.Data,
		Rejects:        stage2.Rejects,
		SourceFilename: sf.Filename,
		Metrics:        stage2.Metrics,
	})
	run.Manifests = append(run.Manifests, manifestFor("locality_fips", matched, stage2.Data, stage2.Rejects, summary))
	return run, nil
}

// ingestZipGeography parses ZIP5 locality rows and ZIP9 override ranges
// from the same archive and cross-checks them (Enrich).
func (p *Pipeline) ingestZipGeography(ctx context.Context, release *models.Release, files []models.SourceFile) (*ingestorRun, error) {
	matched := matchFiles(files, "zip_locality")
	if len(matched) == 0 {
		return nil, errors.Errorf(errors.KindSource, "no landed file routes to dataset zip_locality")
	}
	sf := matched[0]
	body, err := land.ReadRawFile(p.Cfg.Layout(), release.ReleaseID, sf.Filename)
	if err != nil {
		return nil, errors.E(errors.Op("pipeline.read_raw"), errors.KindSource, err)
	}

	zip5Contract, err := p.Registry.Get("cms_zip_locality_v1.0")
	if err != nil {
		return nil, err
	}
	zip9Contract, err := p.Registry.Get("cms_zip9_overrides_v1.0")
	if err != nil {
		return nil, err
	}

	zip5, err := p.Parser.ParseZipLocality(body, sf.Filename, p.metadataFor(release, sf, zip5Contract.ID()))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zip9, err := p.Parser.ParseZip9Overrides(body, sf.Filename, p.metadataFor(release, sf, zip9Contract.ID()))
	if err != nil {
		return nil, err
	}

	zip5Summary := validate.Run(zip5.Data, validate.Context{Contract: zip5Contract, Vintage: release.VintageDate})
	if !zip5Summary.Passed {
		return nil, errors.E(errors.Op("pipeline.validate"), errors.KindParse,
			errors.CodeCategoryValidation, "BLOCK-level validation failures in zip_locality").
			WithEvidence(zip5Contract.ID(), zip5Summary.WarningMessages())
	}

	// Enrich: referential consistency between the override ranges and
	// the ZIP5 mapping; conflicts warn, they never block.
	consistency := validate.Zip9Consistency(zip9.Data, zip5.Data)
	zip9Summary := validate.Run(zip9.Data,
		validate.Context{Contract: zip9Contract, Vintage: release.VintageDate}, consistency)
	if !zip9Summary.Passed {
		return nil, errors.E(errors.Op("pipeline.validate"), errors.KindParse,
			errors.CodeCategoryValidation, "BLOCK-level validation failures in zip9_overrides").
			WithEvidence(zip9Contract.ID(), zip9Summary.WarningMessages())
	}

	quality := (zip5Summary.OverallQuality + zip9Summary.OverallQuality) / 2
	run := &ingestorRun{
		Summary:       zip5Summary,
		Warnings:      append(zip5Summary.WarningMessages(), zip9Summary.WarningMessages()...),
		QualityScore:  quality,
		SchemaVersion: zip5Contract.Version,
		InputCount:    zip5.Data.Len() + zip5.Rejects.Len() + zip9.Data.Len(),
		RejectCount:   zip5.Rejects.Len() + zip9.Rejects.Len(),
	}
	run.Outputs = append(run.Outputs,
		datasetOutput{
			Dataset:        "zip_locality",
			Contract:       zip5Contract,
			Data:           zip5.Data,
			Rejects:        zip5.Rejects,
			SourceFilename: sf.Filename,
			Metrics:        zip5.Metrics,
		},
		datasetOutput{
			Dataset:        "zip9_overrides",
			Contract:       zip9Contract,
			Data:           zip9.Data,
			Rejects:        zip9.Rejects,
			SourceFilename: sf.Filename,
			Metrics:        zip9.Metrics,
		})
	run.Manifests = append(run.Manifests,
		manifestFor("zip_locality", matched, zip5.Data, zip5.Rejects, zip5Summary),
		manifestFor("zip9_overrides", matched, zip9.Data, zip9.Rejects, zip9Summary))
	return run, nil
}

// publishOutputs writes curated and quarantine artifacts, the staged
// contract, and the relational geography tables.
func (p *Pipeline) publishOutputs(release *models.Release, batchID string, run *ingestorRun) (int, error) {
	total := 0
	for _, out := range run.Outputs {
		if err := p.Publisher.WriteStageContract(release.ReleaseID, out.Contract); err != nil {
			return total, errors.Wrap("pipeline.stage_contract", err)
		}
		if _, err := p.Publisher.WriteCurated(out.Dataset, release.ReleaseID, out.Data, out.Contract, run.QualityScore); err != nil {
			return total, errors.Wrap("pipeline.curated", err)
		}
		if _, err := p.Publisher.WriteQuarantine(release.ReleaseID, out.Dataset, out.Rejects); err != nil {
			return total, errors.Wrap("pipeline.quarantine", err)
		}

		switch out.Dataset {
		case "zip_locality":
			rows := zipLocalityRows(out.Data, release.VintageDate)
			if err := p.Geo.InsertZipLocalities(rows, out.SourceFilename, batchID); err != nil {
				return total, errors.Wrap("pipeline.geo_zip5", err)
			}
		case "zip9_overrides":
			rows := zip9Rows(out.Data, release.VintageDate)
			if err := p.Geo.InsertZip9Overrides(rows, out.SourceFilename, batchID); err != nil {
				return total, errors.Wrap("pipeline.geo_zip9", err)
			}
		}
		total += out.Data.Len()
	}
	return total, nil
}

func zipLocalityRows(t *parserkit.Table, vintage string) []geo.ZipLocality {
	rows := make([]geo.ZipLocality, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		rows = append(rows, geo.ZipLocality{
			Zip5:          t.Value(i, "zip5"),
			State:         t.Value(i, "state"),
			Locality:      t.Value(i, "locality"),
			CarrierMAC:    t.Value(i, "carrier_mac"),
			RuralFlag:     boolPtr(t.Value(i, "rural_flag")),
			EffectiveFrom: t.Value(i, "effective_from"),
			EffectiveTo:   t.Value(i, "effective_to"),
			Vintage:       vintage,
		})
	}
	return rows
}

func zip9Rows(t *parserkit.Table, vintage string) []geo.Zip9Override {
	rows := make([]geo.Zip9Override, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		rows = append(rows, geo.Zip9Override{
			Zip9Low:       t.Value(i, "zip9_low"),
			Zip9High:      t.Value(i, "zip9_high"),
			State:         t.Value(i, "state"),
			Locality:      t.Value(i, "locality"),
			RuralFlag:     boolPtr(t.Value(i, "rural_flag")),
			EffectiveFrom: t.Value(i, "effective_from"),
			EffectiveTo:   t.Value(i, "effective_to"),
			Vintage:       vintage,
		})
	}
	return rows
}

func boolPtr(v string) *bool {
	switch v {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	}
	return nil
}

func manifestFor(dataset string, files []models.SourceFile, data, rejects *parserkit.Table, summary validate.Summary) publish.DatasetManifest {
	names := make([]string, len(files))
	for i, sf := range files {
		names[i] = sf.Filename
	}
	warnings := 0
	for _, r := range summary.Reports {
		warnings += r.Warnings
	}
	return publish.DatasetManifest{
		Name:               dataset,
		Files:              names,
		TotalRows:          data.Len() + rejects.Len(),
		SuccessfulRows:     data.Len(),
		FailedRows:         rejects.Len(),
		ValidationErrors:   summary.BlockFailures,
		ValidationWarnings: warnings,
	}
}

func concat(a, b *parserkit.Table) *parserkit.Table {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := a.CloneEmpty()
	out.Rows = append(out.Rows, a.Rows...)
	out.Rows = append(out.Rows, b.Rows...)
	return out
}
