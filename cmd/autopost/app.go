package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/automation"
	"github.com/jonathan/threads-autopost/internal/buffer"
	"github.com/jonathan/threads-autopost/internal/collection"
	"github.com/jonathan/threads-autopost/internal/config"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/generation"
	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/scheduling"
)

// app holds every component wired from one Config.
type app struct {
	cfg        *config.Config
	store      db.Store
	hub        *activity.Hub
	activity   *activity.Logger
	state      *automation.State
	generator  generation.Generator
	pipeline   *ingestion.Pipeline
	loop       *scheduling.Loop
	trigger    *collection.Trigger
	controller *automation.Controller

	closeGenerator func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	generator, closeGenerator, err := generation.FromConfig(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		store:          store,
		hub:            activity.NewHub(),
		state:          automation.NewState(),
		generator:      generator,
		closeGenerator: closeGenerator,
	}
	a.activity = activity.New(store, a.hub, logger)
	loc := cfg.Location()

	a.pipeline = ingestion.New(store, generator, ingestion.Options{
		WatchDir:     cfg.CSVWatchFolder,
		TopN:         cfg.TopN,
		PostInterval: cfg.PostInterval(),
		Location:     loc,
		Recorder:     a.state,
		Activity:     a.activity,
		Logger:       logger,
	})

	a.loop = scheduling.New(store, buffer.FromConfig(cfg, logger), a.state, scheduling.Options{
		StartHour:  cfg.StartHour(),
		EndHour:    cfg.EndHour(),
		DailyLimit: cfg.DailyPostLimit,
		BatchSize:  cfg.ScheduleBatchSize,
		Lookahead:  cfg.ScheduleLookahead(),
		Location:   loc,
		Activity:   a.activity,
		Logger:     logger,
	})

	// Targets with a URL are scraped; the rest come from the simulated source.
	source := &collection.Router{
		Web:      collection.NewWebSource(cfg.AdapterTimeout.Duration, logger),
		Fallback: collection.NewSimulatedSource(),
	}
	a.trigger = collection.New(source, collection.Options{
		WatchDir:      cfg.CSVWatchFolder,
		Interval:      cfg.ScrapingInterval(),
		Targets:       cfg.ScrapingTargets,
		TargetTimeout: cfg.AdapterTimeout.Duration,
		Recorder:      a.state,
		Activity:      a.activity,
		Logger:        logger,
	})

	a.controller = automation.New(automation.Options{
		Store:            store,
		Pipeline:         a.pipeline,
		Loop:             a.loop,
		Trigger:          a.trigger,
		State:            a.state,
		Activity:         a.activity,
		ScheduleTick:     cfg.ScheduleTick(),
		ScrapingInterval: cfg.ScrapingInterval(),
		ScrapingEnabled:  cfg.ScrapingEnabled,
		WatchStability:   cfg.WatchStability.Duration,
		Location:         loc,
		Logger:           logger,
	})

	return a, nil
}

// Close stops automation and releases the store and generator.
func (a *app) Close() error {
	return errors.Join(
		a.controller.Close(),
		a.closeGenerator(),
		a.store.Close(),
	)
}
