package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mschirtzinger/lifesync/internal/cache"
	"github.com/mschirtzinger/lifesync/internal/config"
	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/entity"
	"github.com/mschirtzinger/lifesync/internal/logging"
	"github.com/mschirtzinger/lifesync/internal/metrics"
	"github.com/mschirtzinger/lifesync/internal/remote"
	"github.com/mschirtzinger/lifesync/internal/session"
)

// app is the wired engine behind every command.
type app struct {
	cfg      *config.Config
	sink     *logging.Sink
	quiet    bool
	cache    *cache.DB
	provider *session.FileProvider
	gate     *session.Gate
	remote   remote.Store
	closeRem func() error
	registry *prometheus.Registry
	eng      *engine.Engine
	stores   *entity.Stores
}

// openApp builds the engine from cfg. When loud is false, component logs
// are dropped unless --verbose is set or a log file is configured.
func openApp(ctx context.Context, loud bool) (*app, error) {
	a := &app{cfg: cfg, quiet: !loud && !verbose && cfg.Log.File == ""}

	sink, err := logging.NewSink(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	a.sink = sink

	db, err := cache.Open(cfg.CachePath())
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		_ = sink.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = db

	a.provider = session.NewFileProvider(session.FileConfig{
		Path:       cfg.Session.File,
		RefreshURL: cfg.Session.RefreshURL,
		UserURL:    cfg.Session.UserURL,
		APIKey:     cfg.Remote.APIKey,
	})
	a.gate = session.NewGate(a.provider, session.Config{
		AllowAnonymous: cfg.Session.AllowAnonymous,
		Logger:         a.logger("session"),
	})

	if err := a.openRemote(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	eng, err := engine.New(engine.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		Logger:     a.logger("engine"),
	}, engine.Deps{
		Cache:   a.cache,
		Gate:    a.gate,
		Remote:  a.remote,
		Metrics: metrics.New(a.registry),
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := eng.Open(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	a.eng = eng
	a.stores = entity.New(eng)
	return a, nil
}

func (a *app) openRemote(ctx context.Context) error {
	switch a.cfg.Remote.Backend {
	case config.BackendREST:
		rs, err := remote.NewRESTStore(remote.RESTConfig{
			BaseURL: a.cfg.Remote.URL,
			APIKey:  a.cfg.Remote.APIKey,
			Timeout: a.cfg.Remote.Timeout,
		}, a.gate)
		if err != nil {
			return fmt.Errorf("failed to create REST store: %w", err)
		}
		a.remote = rs
	case config.BackendPostgres:
		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Remote.Timeout)
		defer cancel()
		ps, err := remote.OpenPostgres(dialCtx, a.cfg.Remote.PostgresDSN)
		if err != nil {
			return err
		}
		a.remote = ps
		a.closeRem = ps.Close
	default:
		a.remote = remote.NewMemoryStore()
	}
	return nil
}

func (a *app) logger(component string) *log.Logger {
	if a.quiet {
		return logging.Discard()
	}
	return a.sink.Logger(component)
}

// Close flushes the engine and releases every resource.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// The engine owns the cache once it exists.
	if a.eng != nil {
		if err := a.eng.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	} else if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.closeRem != nil {
		_ = a.closeRem()
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
}
