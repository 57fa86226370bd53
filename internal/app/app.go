// Package app wires configuration, storage, the component registry and the
// services into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"builder/internal/block"
	"builder/internal/component"
	"builder/internal/config"
	"builder/internal/domain"
	"builder/internal/logging"
	mcpserver "builder/internal/mcp"
	"builder/internal/monitoring"
	"builder/internal/service"
	"builder/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Version is reported to MCP clients.
var Version = "dev"

// App owns every long-lived dependency of the process.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *monitoring.Metrics

	db         *storage.DB
	registry   *component.Registry
	watcher    *component.Watcher
	pages      *service.PageService
	components *service.ComponentService
	emitter    service.EventEmitter

	metricsSrv *http.Server
}

// New opens storage and builds the services described by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{
		cfg:     cfg,
		log:     logger,
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		emitter: service.LogEmitter{Logger: logger.Named("events")},
	}

	db, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.db = db
	pageStore := storage.NewPageStore(db)

	var src component.Source = storage.NewComponentStore(db)
	var files *component.FileSource
	if cfg.Components.Dir != "" {
		if files, err = component.NewFileSource(cfg.Components.Dir); err != nil {
			db.Close()
			return nil, err
		}
		src = files
	}
	a.registry = component.NewRegistry(src, logger, a.metrics)

	var hist domain.HistoryStore
	if cfg.History.Persist {
		hist = storage.NewHistoryStore(db)
	}
	a.pages = service.NewPageService(pageStore, hist, a.registry, cfg.History, a.emitter, logger, a.metrics)
	a.components = service.NewComponentService(a.registry, src, pageStore, a.pages, a.emitter, logger, a.metrics)

	if files != nil && cfg.Components.Watch {
		a.watcher, err = component.Watch(files.Dir(), a.registry, logger, a.onTemplateChanged)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("app ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("components", lo.Ternary(files != nil, "files", "database")),
		zap.Bool("persistHistory", cfg.History.Persist))
	return a, nil
}

func (a *App) Pages() *service.PageService           { return a.pages }
func (a *App) Components() *service.ComponentService { return a.components }

// onTemplateChanged pushes an externally edited template into every page.
func (a *App) onTemplateChanged(name string) {
	a.components.SyncInBackground(name, time.Minute)
}

// Start runs the background jobs: autosave and the metrics endpoint.
func (a *App) Start() error {
	if a.cfg.Autosave.Enabled {
		if err := a.pages.StartAutosave(a.cfg.Autosave.Schedule); err != nil {
			return err
		}
	}
	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", zap.Error(err))
			}
		}()
		a.log.Info("metrics listening", zap.String("addr", addr))
	}
	return nil
}

// ServeMCP serves the MCP tools on stdin/stdout until the client goes away
// or ctx is done.
func (a *App) ServeMCP(ctx context.Context) error {
	srv := mcpserver.New(mcpserver.Deps{
		Emitter:    a.emitter,
		Pages:      a.pages,
		Components: a.components,
		Logger:     a.log,
		Version:    Version,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// SyncComponent pushes template name into every stored page.
func (a *App) SyncComponent(ctx context.Context, name string) (*service.SyncReport, error) {
	return a.components.SyncEverywhere(ctx, name)
}

// ExportPage returns the serialized draft of page id, or its published
// version when published is set.
func (a *App) ExportPage(ctx context.Context, id string, published bool) ([]byte, error) {
	p, err := a.pages.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	data := lo.Ternary(published, p.PublishedBlocks, p.DraftBlocks)
	if data == "" {
		return nil, fmt.Errorf("page %s has no %s version", id, lo.Ternary(published, "published", "draft"))
	}
	// Round-trip through the codec so legacy fields come out normalized.
	root, err := block.Parse([]byte(data))
	if err != nil {
		return nil, err
	}
	return block.Serialize(root)
}

// Close saves and closes open pages, then releases every resource.
func (a *App) Close(ctx context.Context) error {
	a.pages.StopAutosave()
	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// Sync runs write pages and canvases, so they finish before both close.
	if err := a.components.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for component sync: %w", err))
	}
	if err := a.pages.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
