// Package server assembles the archive service from its subsystems and owns
// startup and shutdown ordering.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/api"
	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/archiver"
	"github.com/htbase/archivist/internal/clock/system"
	"github.com/htbase/archivist/internal/config"
	"github.com/htbase/archivist/internal/coordinator"
	"github.com/htbase/archivist/internal/hash/sha256"
	"github.com/htbase/archivist/internal/id/uuid"
	"github.com/htbase/archivist/internal/logging"
	"github.com/htbase/archivist/internal/orchestrator"
	"github.com/htbase/archivist/internal/progress"
	progresssinks "github.com/htbase/archivist/internal/progress/sinks"
	"github.com/htbase/archivist/internal/queue"
	queuememory "github.com/htbase/archivist/internal/queue/memory"
	gcppubsub "github.com/htbase/archivist/internal/queue/pubsub"
	statusmemory "github.com/htbase/archivist/internal/status/memory"
	gcsstorage "github.com/htbase/archivist/internal/storage/gcs"
	localstorage "github.com/htbase/archivist/internal/storage/local"
	memorystorage "github.com/htbase/archivist/internal/storage/memory"
	pgstore "github.com/htbase/archivist/internal/storage/postgres"
	"github.com/htbase/archivist/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	orch        *orchestrator.Orchestrator
	coord       *coordinator.Coordinator
	hub         *progress.Hub
	statusStore *statusmemory.Store
	workers     []*worker.Worker
	queues      []*queuememory.Queue

	pgStore   *pgstore.Store
	gcsClient *storage.Client
	notifier  *gcppubsub.Notifier
	renderer  *archiver.Renderer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	registry := prometheus.NewRegistry()
	if err := app.setupProgress(registry); err != nil {
		return nil, err
	}

	blobStore, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	primary, err := app.setupPrimaryStore(ctx)
	if err != nil {
		return nil, err
	}
	replica := memorystorage.NewDocStore()

	clock := system.New()
	app.statusStore = statusmemory.New(cfg.Status.TTL, clock)

	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}

	app.coord, err = coordinator.New(coordinator.Config{
		PathPrefix:       cfg.Storage.Prefix,
		CompressMinBytes: cfg.Storage.CompressMinBytes,
		ReplicaTimeout:   cfg.DB.ReplicaTimeout,
	}, blobStore, primary, replica, sha256.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	archiverSet, err := app.setupArchivers()
	if err != nil {
		return nil, err
	}

	broker := queue.NewBroker()
	for _, kind := range append(archiverSet.Kinds(), archive.KindSummarize) {
		if _, err := broker.Get(kind); err == nil {
			continue
		}
		qc := cfg.QueueFor(kind)
		q := queuememory.New(queuememory.Config{
			Capacity:          qc.Capacity,
			VisibilityTimeout: qc.VisibilityTimeout,
		}, logger.Named("queue").With(zap.String("kind", string(kind))))
		broker.Register(kind, q)
		app.queues = append(app.queues, q)
	}

	app.orch, err = orchestrator.New(
		primary,
		app.statusStore,
		broker,
		app.coord,
		notifier,
		app.hub,
		uuid.New(),
		clock,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	summarizer := archiver.NewSummarize(
		archiver.NewFetcher(archiver.FetchConfig{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Fetch.Timeout,
		}),
		cfg.Summary.Sentences,
	)
	kinds := append(archiverSet.Kinds(), archive.KindSummarize)
	for _, kind := range kinds {
		a, err := archiverSet.Get(kind)
		if err != nil {
			a = summarizer
		}
		q, err := broker.Get(kind)
		if err != nil {
			return nil, fmt.Errorf("no queue for kind %s: %w", kind, err)
		}
		wcfg := cfg.WorkerFor(kind)
		w, err := worker.New(worker.Config{
			Concurrency:    wcfg.Concurrency,
			MaxAttempts:    wcfg.MaxAttempts,
			RunTimeout:     wcfg.RunTimeout,
			BackoffInitial: wcfg.BackoffInitial,
			BackoffMax:     wcfg.BackoffMax,
		}, q, a, app.coord, app.orch, app.hub, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("worker init failed for %s: %w", kind, err)
		}
		app.workers = append(app.workers, w)
	}

	app.apiServer = api.NewServer(api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		Auth: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			APIKey:  cfg.Auth.APIKey,
		},
	}, app.orch, app.coord, registry, logger)

	return app, nil
}

// Run starts the workers and HTTP server and blocks until the context is
// canceled, then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range a.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}
	a.logger.Info("workers started", zap.Int("pools", len(a.workers)))

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.purgeLoop(runCtx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-runCtx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	cancel()
	wg.Wait()
	return a.Close(shutdownCtx)
}

// Close releases resources. Queues close before the coordinator drains so no
// new replica writes can start while Wait blocks.
func (a *App) Close(ctx context.Context) error {
	for _, q := range a.queues {
		q.Close()
	}
	if a.coord != nil {
		a.coord.Wait()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notifier close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupProgress(registry *prometheus.Registry) error {
	promSink, err := progresssinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	logSink := progresssinks.NewLogSink(a.logger.Named("progress_log"))
	a.hub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	}, promSink, logSink)
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPrimaryStore(ctx context.Context) (archive.JobStore, error) {
	if a.cfg.DB.Postgres.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewStore(ctx, a.cfg.DB.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.pgStore = store
	a.logger.Info("postgres job store initialized")
	return store, nil
}

func (a *App) setupNotifier(ctx context.Context) (archive.Notifier, error) {
	if !a.cfg.PubSub.Enabled {
		return nil, nil
	}
	n, err := gcppubsub.NewNotifier(ctx, a.cfg.PubSub.Client, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub notifier init failed: %w", err)
	}
	a.notifier = n
	a.logger.Info("pubsub notifier initialized",
		zap.String("project", a.cfg.PubSub.Client.ProjectID),
	)
	return n, nil
}

// setupArchivers builds the registry of runnable archiver kinds. Browser
// kinds are only registered when headless rendering is enabled; tasks for
// unregistered kinds are rejected at submission by the worker set.
func (a *App) setupArchivers() (*archiver.Registry, error) {
	fetcher := archiver.NewFetcher(archiver.FetchConfig{
		UserAgent: a.cfg.Fetch.UserAgent,
		Timeout:   a.cfg.Fetch.Timeout,
	})
	archivers := []archive.Archiver{
		archiver.NewSnapshot(fetcher),
		archiver.NewReadability(fetcher),
	}
	if a.cfg.Headless.Enabled {
		renderer, err := archiver.NewRenderer(archiver.RendererConfig{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("renderer init failed: %w", err)
		}
		a.renderer = renderer
		archivers = append(archivers,
			archiver.NewMonolith(renderer),
			archiver.NewPDF(renderer),
			archiver.NewScreenshot(renderer),
		)
		a.logger.Info("headless renderer enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	} else {
		a.logger.Warn("headless rendering disabled, browser archiver kinds unavailable")
	}
	return archiver.NewRegistry(archivers...), nil
}

func (a *App) purgeLoop(ctx context.Context) {
	interval := a.cfg.Status.PurgeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.statusStore.Purge(); n > 0 {
				a.logger.Debug("purged expired status entries", zap.Int("count", n))
			}
		}
	}
}
