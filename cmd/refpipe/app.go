package main

import (
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/distance"
	"github.com/cmspricing/refpipe/internal/fips"
	"github.com/cmspricing/refpipe/internal/geo"
	"github.com/cmspricing/refpipe/internal/land"
	"github.com/cmspricing/refpipe/internal/normalize"
	"github.com/cmspricing/refpipe/internal/observability"
	"github.com/cmspricing/refpipe/internal/parsers"
	"github.com/cmspricing/refpipe/internal/pipeline"
	"github.com/cmspricing/refpipe/internal/publish"
	"github.com/cmspricing/refpipe/internal/resolver"
	"github.com/cmspricing/refpipe/internal/runstore"
	"github.com/cmspricing/refpipe/internal/schema"
)

// app bundles the wired components. The schema registry and the run
// store are constructed once here and injected everywhere; nothing
// reaches for ambient singletons.
type app struct {
	Cfg       *config.Config
	Log       *zap.Logger
	Registry  *schema.Registry
	Runs      *runstore.Store
	Geo       *geo.Store
	Pipeline  *pipeline.Pipeline
	Resolver  *resolver.Resolver
	Collector *observability.Collector
	Alerts    *observability.Engine
}

func buildApp(referenceDir string, showProgress bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	reg := schema.NewRegistry()
	runs, err := runstore.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	geoStore, err := geo.NewStore(runs.DB(), log)
	if err != nil {
		return nil, err
	}
	ref, err := fips.Load(referenceDir)
	if err != nil {
		return nil, err
	}

	lander := land.New(cfg.HTTP, cfg.Layout(), log)
	lander.ShowProgress = showProgress

	pipe := pipeline.New(cfg, log, reg, runs, geoStore,
		parsers.New(log, reg),
		normalize.New(log, reg, ref, true),
		publish.New(cfg.Layout(), log),
		lander)

	engine, err := distance.New(geoStore, log)
	if err != nil {
		return nil, err
	}
	res := resolver.New(geoStore, engine, log)
	collector := observability.NewCollector(runs, geoStore, reg, cfg.Pipeline, log)
	alerts, err := observability.NewEngine(runs.DB(), runs, nil, cfg.Alerts, log)
	if err != nil {
		return nil, err
	}

	return &app{
		Cfg:       cfg,
		Log:       log,
		Registry:  reg,
		Runs:      runs,
		Geo:       geoStore,
		Pipeline:  pipe,
		Resolver:  res,
		Collector: collector,
		Alerts:    alerts,
	}, nil
}

func (a *app) Close() {
	_ = a.Log.Sync()
	_ = a.Runs.Close()
}
