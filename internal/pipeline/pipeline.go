// Package pipeline drives one batch through the five stages: Land,
// Validate, Normalize, Enrich, Publish. The orchestrator owns the batch
// record; a BLOCK-level error terminates the batch as failed, WARN-level
// findings accumulate and reduce the quality score. Only the Land stage
// retries; every other stage requires a new batch id to rerun.
package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/geo"
	"github.com/cmspricing/refpipe/internal/land"
	"github.com/cmspricing/refpipe/internal/models"
	"github.com/cmspricing/refpipe/internal/normalize"
	"github.com/cmspricing/refpipe/internal/parsers"
	"github.com/cmspricing/refpipe/internal/publish"
	"github.com/cmspricing/refpipe/internal/runstore"
	"github.com/cmspricing/refpipe/internal/schema"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refpipe_batches_total",
		Help: "Completed ingestion batches by dataset and terminal status.",
	}, []string{"dataset", "status"})
	rowsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refpipe_rows_published_total",
		Help: "Canonical rows published by dataset.",
	}, []string{"dataset"})
	rowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refpipe_rows_rejected_total",
		Help: "Rows quarantined by dataset.",
	}, []string{"dataset"})
)

// IngestResult is the orchestrator's return contract.
type IngestResult struct {
	Status        models.RunStatus `json:"status"`
	ReleaseID     string           `json:"release_id"`
	BatchID       string           `json:"batch_id"`
	RecordCount   int              `json:"record_count"`
	QualityScore  float64          `json:"quality_score"`
	DISCompliance bool             `json:"dis_compliance"`
}

// Pipeline wires the stages together. All dependencies are injected;
// the pipeline holds no hidden state beyond them.
type Pipeline struct {
	Cfg        *config.Config
	Log        *zap.Logger
	Registry   *schema.Registry
	Runs       *runstore.Store
	Geo        *geo.Store
	Parser     *parsers.Parser
	Normalizer *normalize.Normalizer
	Publisher  *publish.Publisher
	Lander     *land.Lander
}

// New assembles a Pipeline from its components.
func New(cfg *config.Config, log *zap.Logger, reg *schema.Registry, runs *runstore.Store,
	geoStore *geo.Store, parser *parsers.Parser, normalizer *normalize.Normalizer,
	publisher *publish.Publisher, lander *land.Lander) *Pipeline {
	return &Pipeline{
		Cfg:        cfg,
		Log:        log.Named("pipeline"),
		Registry:   reg,
		Runs:       runs,
		Geo:        geoStore,
		Parser:     parser,
		Normalizer: normalizer,
		Publisher:  publisher,
		Lander:     lander,
	}
}

// Ingest runs one batch end to end for a dataset of a release.
func (p *Pipeline) Ingest(ctx context.Context, release *models.Release, dataset string, discovery land.Discoverer) (*IngestResult, error) {
	budget := time.Duration(p.Cfg.Pipeline.MaxProcessingTimeHours * float64(time.Hour))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now().UTC()
	var timings []models.StageTiming
	stageDone := func(stage string, since time.Time) {
		timings = append(timings, models.StageTiming{
			Stage:           stage,
			DurationSeconds: time.Since(since).Seconds(),
		})
	}

	// The batch record exists from Land start.
	batchID, err := p.Runs.CreateRun(release.ReleaseID, dataset, release.SourceFiles, "refpipe")
	if err != nil {
		return nil, errors.Wrap("pipeline.create_run", err)
	}
	log := p.Log.With(
		zap.String("batch_id", batchID),
		zap.String("release_id", release.ReleaseID),
		zap.String("dataset", dataset))
	log.Info("batch started")

	fail := func(err error) (*IngestResult, error) {
		status := models.StatusFailed
		if ctx.Err() == context.Canceled {
			status = models.StatusCancelled
		}
		kind := errors.GetKind(err).String()
		if code := errors.GetCode(err); code != "" {
			kind = kind + ":" + string(code)
		}
		if cerr := p.Runs.CompleteRun(batchID, status, 0, err.Error(), kind, 0); cerr != nil {
			log.Error("failed to record batch failure", zap.Error(cerr))
		}
		batchesTotal.WithLabelValues(dataset, string(status)).Inc()
		log.Error("batch terminated", zap.String("status", string(status)), zap.Error(err))
		return &IngestResult{
			Status:    status,
			ReleaseID: release.ReleaseID,
			BatchID:   batchID,
		}, err
	}

	// Stage 1: Land. HTTP and unzip faults retry inside the lander with
	// bounded exponential backoff.
	stageStart := time.Now()
	files, err := p.Lander.Land(ctx, release, discovery)
	if err != nil {
		return fail(err)
	}
	stageDone("land", stageStart)
	release.SourceFiles = files

	// Stages 2-4 are dataset-specific; each returns the canonical frames
	// ready for publication.
	stageStart = time.Now()
	run, err := p.runIngestor(ctx, release, dataset, files)
	if err != nil {
		return fail(err)
	}
	stageDone("validate_normalize_enrich", stageStart)

	if err := ctx.Err(); err != nil {
		return fail(errors.E(errors.KindInternal, "batch clock exceeded", err))
	}

	// Stage 5: Publish.
	stageStart = time.Now()
	recordCount, err := p.publishOutputs(release, batchID, run)
	if err != nil {
		return fail(err)
	}
	stageDone("publish", stageStart)

	status := models.StatusSuccess
	if run.RejectCount > 0 {
		status = models.StatusPartial
	}
	disCompliant := run.Summary.Passed && run.QualityScore >= p.Cfg.Pipeline.QualityThreshold

	vintage := release.VintageDate
	productYear := release.ProductYear
	schemaVersion := run.SchemaVersion
	quality := run.QualityScore
	inCount := run.InputCount
	rejCount := run.RejectCount
	if err := p.Runs.UpdateRunProgress(batchID, runstore.Progress{
		VintageDate:          &vintage,
		ProductYear:          &productYear,
		SchemaVersion:        &schemaVersion,
		InputRecordCount:     &inCount,
		RejectedRecordCount:  &rejCount,
		QualityScore:         &quality,
		ValidationResults:    run.Summary.ResultsMap(),
		BusinessRulesApplied: run.Summary.RulesApplied,
		Warnings:             run.Warnings,
		StageTimings:         timings,
		Pillars: &models.PillarMetrics{
			FreshnessScore: 1.0,
			VolumeScore:    volumeScore(run.InputCount, recordCount),
			SchemaScore:    1.0,
			QualityScore:   run.QualityScore,
			LineageScore:   1.0,
		},
	}); err != nil {
		return fail(errors.Wrap("pipeline.update_progress", err))
	}

	if err := p.Runs.CompleteRun(batchID, status, recordCount, "", "", 0); err != nil {
		return fail(errors.Wrap("pipeline.complete_run", err))
	}

	manifest := &publish.RunManifest{
		RunID:         batchID,
		ReleaseID:     release.ReleaseID,
		SourceVersion: release.QuarterVintage,
		RunType:       "manual",
		StartedAt:     started,
		CompletedAt:   time.Now().UTC(),
		OverallStatus: string(status),
		Datasets:      run.Manifests,
	}
	if err := p.Publisher.WriteRunManifest(manifest); err != nil {
		log.Warn("run manifest write failed", zap.Error(err))
	}

	batchesTotal.WithLabelValues(dataset, string(status)).Inc()
	rowsPublished.WithLabelValues(dataset).Add(float64(recordCount))
	rowsRejected.WithLabelValues(dataset).Add(float64(run.RejectCount))

	log.Info("batch completed",
		zap.String("status", string(status)),
		zap.Int("records", recordCount),
		zap.Float64("quality", run.QualityScore))

	return &IngestResult{
		Status:        status,
		ReleaseID:     release.ReleaseID,
		BatchID:       batchID,
		RecordCount:   recordCount,
		QualityScore:  run.QualityScore,
		DISCompliance: disCompliant,
	}, nil
}

func volumeScore(input, output int) float64 {
	if input == 0 {
		return 0
	}
	return float64(output) / float64(input)
}
