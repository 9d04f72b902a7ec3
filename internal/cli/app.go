package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"glance/internal/cache"
	"glance/internal/config"
	"glance/internal/credentials"
	"glance/internal/cron"
	"glance/internal/dashboard"
	"glance/internal/gateway"
	"glance/internal/gateway/handlers"
	"glance/internal/gateway/websocket"
	"glance/internal/jsvm"
	"glance/internal/metrics"
	"glance/internal/storage"
	"glance/internal/widget"
	"glance/internal/widgetpkg"
	"glance/pkg/logger"
)

// app holds every long-lived component of a running glance server.
type app struct {
	cfg *config.Config

	db        *storage.DB
	metrics   *metrics.Metrics
	runtime   *jsvm.Runtime
	queue     *cache.PendingQueue
	engine    *cache.Engine
	scheduler *cron.Scheduler
	dashboard *dashboard.Dashboard
	importer  *widgetpkg.Importer
	loader    *widgetpkg.Loader
	notifier  *gateway.Notifier
	server    *gateway.Server
}

// newApp opens storage and wires the components together. Nothing runs
// until start is called.
func newApp(cfg *config.Config, storagePath string) (*app, error) {
	db, err := storage.Open(storagePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{cfg: cfg, db: db, metrics: metrics.New()}

	hub := websocket.NewHub()
	hub.OnClientCount(a.metrics.SetWebsocketClients)
	a.notifier = gateway.NewNotifier(hub, a.metrics)

	creds := credentials.NewStore(cfg.Credentials, db)

	a.runtime = jsvm.NewRuntime(jsvm.RuntimeConfig{
		PoolConfig: jsvm.PoolConfig{
			MaxSize:        cfg.Sandbox.MaxConcurrent,
			AcquireTimeout: cfg.Sandbox.AcquireTimeout,
		},
		SandboxConfig: jsvm.SandboxConfig{
			Timeout:          cfg.Sandbox.Timeout,
			HTTPAllowlist:    cfg.Sandbox.HTTPAllowlist,
			MaxResponseBytes: cfg.Sandbox.MaxResponseBytes,
		},
	}, creds, logger.Component("jsvm"))
	a.runtime.SetObserver(a.metrics)

	a.queue = cache.NewPendingQueue(db)
	a.queue.OnRequest(func(req widget.PendingRefresh) {
		a.metrics.RecordRefreshRequest(sourceKind(req.Source))
		a.notifier.RefreshRequested(req)
	})

	stores := map[widget.CacheStorage]cache.Store{
		widget.CacheStorageMemory: cache.NewMemoryStore(),
		widget.CacheStorageSQLite: cache.NewSQLiteStore(db),
	}
	a.engine = cache.NewEngine(cache.Config{
		DefaultStorage: widget.CacheStorage(cfg.Cache.DefaultStorage),
		ExecTimeout:    cfg.Sandbox.Timeout,
	}, db, a.runtime, stores, a.queue, logger.Component("cache"))
	a.engine.SetObserver(a.metrics)
	a.engine.OnWrite(a.notifier.WidgetUpdated)

	loc, err := loadLocation(cfg.Schedule.Timezone)
	if err != nil {
		db.Close()
		return nil, err
	}
	retry := cron.DefaultRetryPolicy()
	if cfg.Schedule.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Schedule.Retry.MaxAttempts
	}
	if cfg.Schedule.Retry.InitialDelay > 0 {
		retry.InitialDelay = cfg.Schedule.Retry.InitialDelay
	}
	if cfg.Schedule.Retry.MaxDelay > 0 {
		retry.MaxDelay = cfg.Schedule.Retry.MaxDelay
	}
	a.scheduler = cron.NewScheduler(db, a.queue, logger.Component("cron"), &cron.SchedulerConfig{
		Location: loc,
		Retry:    retry,
	})

	a.dashboard = dashboard.New(db, jsvm.NewCompiler(0), a.engine, db, dashboard.Config{
		Concurrency: cfg.Dashboard.Concurrency,
	}, logger.Component("dashboard"))

	a.importer = widgetpkg.NewImporter(db, widgetpkg.Options{AppVersion: Version})
	if cfg.Packages.WatchDir != "" {
		a.loader = widgetpkg.NewLoader(a.importer, cfg.Packages.WatchDir, logger.Component("packages"))
		a.loader.OnImport(func(res *widgetpkg.ImportResult) {
			a.metrics.RecordPackageImport(true)
			a.definitionStored(handlers.ChangeImported, res.Definition)
		})
	}

	var schedules handlers.Schedules
	if cfg.Schedule.Enabled {
		schedules = a.scheduler
	}
	widgets := handlers.NewWidgetHandler(handlers.WidgetDeps{
		Store:       db,
		Importer:    a.importer,
		Schedules:   a.scheduleSyncer(),
		Credentials: creds,
		Cache:       a.engine,
		Validation:  widgetpkg.Options{AppVersion: Version},
		Author:      cfg.Packages.Author,
		OnChange: func(action string, def *widget.Definition) {
			if action == handlers.ChangeImported {
				a.metrics.RecordPackageImport(true)
			}
			a.notifier.DefinitionChanged(action, def)
		},
		OnInstanceDeleted: func(id string) {
			a.dashboard.Forget(id)
			a.notifier.InstanceDeleted(id)
		},
	})

	a.server = gateway.NewServer(cfg, hub, gateway.Deps{
		Routes: []gateway.RouteRegistrar{
			handlers.NewDataHandler(a.engine, a.queue, db),
			widgets,
			handlers.NewDashboardHandler(a.dashboard, schedules),
		},
		Metrics: a.metrics,
		Checks: map[string]handlers.HealthCheck{
			"storage": db.Ping,
		},
	})

	return a, nil
}

// scheduleSyncer returns nil when scheduling is disabled so the widget
// handler skips schedule maintenance.
func (a *app) scheduleSyncer() handlers.ScheduleSyncer {
	if !a.cfg.Schedule.Enabled {
		return nil
	}
	return a.scheduler
}

// definitionStored keeps schedules and subscribers in step with a definition
// that was written outside the HTTP API.
func (a *app) definitionStored(action string, def *widget.Definition) {
	if a.cfg.Schedule.Enabled {
		if !def.Enabled {
			a.scheduler.Remove(def.Slug)
		} else if err := a.scheduler.Sync(def); err != nil {
			logger.Warn().Err(err).Str("widget", def.Slug).Msg("Failed to schedule agent refresh")
		}
	}
	a.notifier.DefinitionChanged(action, def)
}

// start imports the packages directory, starts the scheduler and begins
// watching for package files.
func (a *app) start(ctx context.Context) error {
	if a.loader != nil {
		if err := a.loader.Load(); err != nil {
			logger.Warn().Err(err).Msg("Failed to load widget packages")
		}
	}
	if a.cfg.Schedule.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if a.loader != nil && a.cfg.Packages.Watch {
		if err := a.loader.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch widget packages")
		}
	}
	return nil
}

// shutdown stops accepting requests, then drains the background work in
// dependency order and closes storage last.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.loader != nil {
		if err := a.loader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cfg.Schedule.Enabled {
		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	a.dashboard.Close()
	a.engine.Wait()
	a.notifier.Stop()
	if err := a.runtime.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timezone %q: %w", name, err)
	}
	return loc, nil
}

// sourceKind maps a refresh source to its metrics label.
func sourceKind(source string) string {
	kind, _, found := strings.Cut(source, ":")
	if !found {
		return source
	}
	return kind
}
