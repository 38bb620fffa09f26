// Package app loads configuration and assembles the engine with its stores,
// metrics recorder and background jobs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/emiliopalmerini/mbandit/internal/adapters/badger"
	"github.com/emiliopalmerini/mbandit/internal/adapters/memory"
	"github.com/emiliopalmerini/mbandit/internal/adapters/otel"
	"github.com/emiliopalmerini/mbandit/internal/adapters/turso"
	"github.com/emiliopalmerini/mbandit/internal/allocation"
	"github.com/emiliopalmerini/mbandit/internal/autofail"
	"github.com/emiliopalmerini/mbandit/internal/engine"
	"github.com/emiliopalmerini/mbandit/internal/migrate"
	"github.com/emiliopalmerini/mbandit/internal/notify"
	"github.com/emiliopalmerini/mbandit/internal/ports"
	"github.com/emiliopalmerini/mbandit/internal/posterior"
	"github.com/emiliopalmerini/mbandit/internal/util"
)

type metricsRecorder interface {
	ports.MetricsRecorder
	Handler() http.Handler
}

// App holds every shared dependency of the CLI commands.
type App struct {
	Config        *Config
	Logger        *slog.Logger
	DB            *sql.DB
	Experiments   ports.ExperimentRepository
	Draws         ports.DrawRepository
	Sticky        ports.StickyRepository
	Notifications ports.NotificationRepository
	Metrics       metricsRecorder
	Engine        *engine.Engine
	Monitor       *autofail.Monitor
	Notifier      *notify.Job

	closers []func(context.Context) error
}

// Open connects the stores selected by cfg and builds the engine. The caller
// must Close the returned App.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.openSticky(); err != nil {
		return err
	}

	if cfg.MetricsExporter == otel.ExporterNone {
		a.Metrics = otel.NewNoOpRecorder()
	} else {
		rec, err := otel.NewRecorder(ctx, otel.Config{
			Exporter: cfg.MetricsExporter,
			Endpoint: cfg.OTLPEndpoint,
			Insecure: cfg.OTLPInsecure,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics recorder: %w", err)
		}
		a.Metrics = rec
	}
	a.closers = append(a.closers, a.Metrics.Close)

	var alloc *allocation.Allocator
	if cfg.Seed != 0 {
		alloc = allocation.NewSeeded(cfg.Seed)
	} else {
		alloc = allocation.New(nil)
	}

	a.Engine = engine.New(engine.Deps{
		Experiments: a.Experiments,
		Draws:       a.Draws,
		Sticky:      a.Sticky,
		Metrics:     a.Metrics,
		Allocator:   alloc,
		Logger:      logger,
	}, engine.Config{
		UpdateRetries: cfg.UpdateRetries,
		Newton:        posterior.Options{MaxIter: cfg.NewtonMaxIter, Tolerance: cfg.NewtonTolerance},
	})
	a.Monitor = autofail.NewMonitor(a.Experiments, a.Draws, a.Metrics, logger, autofail.Config{Interval: cfg.AutoFailInterval})
	a.Notifier = notify.NewJob(a.Experiments, a.Notifications, notify.NewLogPublisher(logger), a.Metrics, logger, cfg.NotifyInterval)
	return nil
}

func (a *App) openStores(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		stores := memory.NewStores()
		a.Experiments = stores.Experiments
		a.Draws = stores.Draws
		a.Notifications = stores.Notifications
		a.Sticky = stores.Sticky
		return nil
	}

	db, err := turso.Open(ctx, a.Config.DatabaseURL, a.Config.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	if a.Config.AutoMigrate {
		runner, err := migrate.NewRunner(db, a.Logger)
		if err != nil {
			return err
		}
		if _, err := runner.Up(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	repos := turso.NewRepositories(db)
	a.Experiments = repos.Experiments
	a.Draws = repos.Draws
	a.Notifications = repos.Notifications
	a.Sticky = repos.Sticky
	return nil
}

func (a *App) openSticky() error {
	switch a.Config.StickyBackend {
	case StickySQL:
		// already set by openStores
	case StickyMemory:
		a.Sticky = memory.NewStickyStore()
	case StickyBadger:
		path := a.Config.BadgerPath
		if path == "" {
			var err error
			if path, err = util.DataPath("sticky"); err != nil {
				return err
			}
		}
		bcfg := badger.DefaultConfig(path)
		bcfg.Logger = a.Logger
		db, err := badger.Open(bcfg)
		if err != nil {
			return fmt.Errorf("failed to open sticky store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.Sticky = badger.NewStickyStore(db)
	default:
		return fmt.Errorf("unknown sticky backend %q", a.Config.StickyBackend)
	}
	return nil
}

// MetricsHandler serves the Prometheus exposition, or 404 when the exporter
// does not expose one.
func (a *App) MetricsHandler() http.Handler {
	return a.Metrics.Handler()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
