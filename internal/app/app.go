// Package app wires the storage, ingestion, triage and delivery components
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/delivery"
	"github.com/pders01/feedtriage/internal/feed"
	"github.com/pders01/feedtriage/internal/scheduler"
	"github.com/pders01/feedtriage/internal/search"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/triage"
	"github.com/pders01/feedtriage/internal/validation"
)

type App struct {
	Config     *config.Config
	Store      storage.Store
	Validator  *validation.SafetyValidator
	Pool       *feed.Pool
	Triage     *triage.Service
	Dispatcher *delivery.Dispatcher
	Digest     *delivery.DigestGenerator
	// Search is nil when search.enabled is false.
	Search search.Searcher
}

// New opens the store and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	paths := validation.NewSecurePathHandler()
	if cfg.Security.Permissive {
		paths = validation.NewPermissivePathHandler()
	}

	dbPath, err := paths.DBPath(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	if cfg.Digest.OutputDir != "" {
		if cfg.Digest.OutputDir, err = paths.DigestDir(cfg.Digest.OutputDir); err != nil {
			return nil, fmt.Errorf("digest output directory: %w", err)
		}
	}

	store, err := storage.Open(cfg.Database.Driver, dbPath, cfg.Database.Timeout)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	validator := validation.NewSafetyValidator(nil)
	if cfg.Security.Permissive {
		validator = validation.NewPermissiveSafetyValidator()
	}

	a := &App{
		Config:     cfg,
		Store:      store,
		Validator:  validator,
		Dispatcher: delivery.NewDispatcher(store, cfg, validator),
		Digest:     delivery.NewDigestGenerator(store, cfg, paths.Validator()),
	}
	a.Pool = feed.NewPool(store, cfg, feed.NewFetcher(cfg, validator), feed.NewNormalizer(store, cfg.Queue.HighPriorityThreshold))

	opts := []triage.Option{triage.WithAlertSink(a.Dispatcher)}
	if cfg.Search.Enabled {
		indexPath, err := paths.IndexPath(cfg.Search.IndexPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("index path: %w", err)
		}
		engine, err := search.NewBleveEngine(ctx, store, indexPath)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.Search = engine
		a.Pool.AddListener(engine)
		opts = append(opts, triage.WithItemRemover(engine))
	}
	a.Triage = triage.NewService(store, validator, opts...)
	return a, nil
}

// Serve runs ingestion, the delivery sweep and the daily digest until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context) error {
	hour, minute, err := a.Config.Digest.Clock()
	if err != nil {
		return err
	}
	loc, err := a.Config.Digest.Location()
	if err != nil {
		return err
	}

	s := scheduler.New()
	s.Every("fetch", a.Config.Feed.RefreshInterval, true, a.fetch)
	s.Every("delivery-sweep", a.Config.Webhook.SweepInterval, true, func(ctx context.Context, _ time.Time) {
		if _, err := a.Dispatcher.RunPending(ctx); err != nil {
			debuglog.Errorf("delivery sweep: %v", err)
		}
	})
	s.DailyAt("digest", hour, minute, loc, func(ctx context.Context, _ time.Time) {
		if _, err := a.Digest.Generate(ctx); err != nil {
			debuglog.Errorf("digest: %v", err)
		}
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	debuglog.Infof("serving: refresh every %s, digest daily at %02d:%02d %s", a.Config.Feed.RefreshInterval, hour, minute, loc)
	<-ctx.Done()
	s.Stop()
	return nil
}

// fetch runs one ingestion cycle. The pool logs the cycle summary itself.
func (a *App) fetch(ctx context.Context, _ time.Time) {
	if _, err := a.Pool.RunCycle(ctx); err != nil {
		debuglog.Errorf("fetch cycle: %v", err)
	}
}

// Close stops in-flight deliveries, leaving them pending for the next
// start, and releases the index and store.
func (a *App) Close() error {
	a.Dispatcher.Close()
	var errs []error
	if a.Search != nil {
		errs = append(errs, a.Search.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
