// Package server builds the application: it wires configuration into the
// crawl orchestrator and its optional infrastructure (archive storage,
// Postgres, Pub/Sub, progress sinks, status API).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/api"
	"github.com/JakeFAU/mapharvest/internal/archive"
	"github.com/JakeFAU/mapharvest/internal/clock/system"
	"github.com/JakeFAU/mapharvest/internal/config"
	"github.com/JakeFAU/mapharvest/internal/crawl"
	"github.com/JakeFAU/mapharvest/internal/enrich"
	"github.com/JakeFAU/mapharvest/internal/extract/gmaps"
	collyfetcher "github.com/JakeFAU/mapharvest/internal/fetcher/colly"
	"github.com/JakeFAU/mapharvest/internal/geo"
	"github.com/JakeFAU/mapharvest/internal/id/uuid"
	"github.com/JakeFAU/mapharvest/internal/logging"
	"github.com/JakeFAU/mapharvest/internal/metrics"
	"github.com/JakeFAU/mapharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/mapharvest/internal/progress"
	progresssinks "github.com/JakeFAU/mapharvest/internal/progress/sinks"
	"github.com/JakeFAU/mapharvest/internal/publisher"
	memorypublisher "github.com/JakeFAU/mapharvest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/mapharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/mapharvest/internal/results"
	"github.com/JakeFAU/mapharvest/internal/schedule"
	"github.com/JakeFAU/mapharvest/internal/state"
	gcsstorage "github.com/JakeFAU/mapharvest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mapharvest/internal/storage/local"
	memorystorage "github.com/JakeFAU/mapharvest/internal/storage/memory"
	pgstore "github.com/JakeFAU/mapharvest/internal/storage/postgres"
	"github.com/JakeFAU/mapharvest/internal/store"
	"github.com/JakeFAU/mapharvest/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	orchestrator *crawl.Orchestrator
	extractor    *gmaps.Extractor
	stateStore   *state.Store
	results      *results.Sink
	idGen        *uuid.Generator

	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	progressHub *progress.Hub
	apiServer   *api.Server

	archiver        crawl.Archiver
	storage         *storage.Client
	pool            *pgxpool.Pool
	runRepo         store.RunRepository
	recordMirror    crawl.RecordMirror
	publisher       publisher.Publisher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher

	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("locations", len(cfg.Crawl.Locations)),
		zap.Strings("categories", cfg.Crawl.Categories),
		zap.Int("grid_size", cfg.Crawl.GridSize),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("server", cfg.Server.Enabled),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		idGen:    uuid.New(),
		registry: prometheus.NewRegistry(),
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run executes one crawl pass and blocks until it ends. The first SIGINT or
// SIGTERM requests a pause; default signal handling is restored right after
// so a second signal terminates the process. The status API, when enabled,
// serves for the duration of the run.
func (a *App) Run(ctx context.Context) (crawl.Report, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	runID, err := a.idGen.NewRunID()
	if err != nil {
		return crawl.Report{}, fmt.Errorf("generate run id: %w", err)
	}
	report, runErr := a.orchestrator.Run(ctx, runID)
	if report.Outcome == crawl.OutcomePaused {
		a.logger.Info("run paused; rerun the same command to resume", zap.String("state", a.stateStore.Path()))
	}

	if a.publisher != nil {
		csvPath, xlsxPath := a.results.Paths()
		summary := publisher.RunSummary{
			Report:      report,
			Locations:   locationNames(a.cfg),
			Categories:  a.cfg.Crawl.Categories,
			ResultsCSV:  csvPath,
			ResultsXLSX: xlsxPath,
		}
		//nolint:errcheck // Announce logs its own failures; the run outcome stands.
		publisher.Announce(ctx, a.publisher, a.cfg.PubSub.TopicName, summary, a.logger.Named("publisher"))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return report, runErr
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.extractor != nil {
		a.extractor.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the store sink, so it closes before the pool.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if n := a.progressHub.Dropped(); n > 0 {
			a.logger.Warn("progress events dropped during run", zap.Int64("dropped", n))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	//nolint:errcheck // Sync on stderr fails on some platforms.
	a.logger.Sync()
}

// Build creates the application's dependencies. cfg must already pass
// ValidateCrawl.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Dir:         cfg.Logging.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		app.Close(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{SampleRatio: cfg.Telemetry.SampleRatio})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var err error
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	limiter := setupLimiter(a)
	resolver := setupResolver(a, limiter)

	ranges, err := cfg.Delays.Ranges()
	if err != nil {
		return fmt.Errorf("delay ranges: %w", err)
	}
	var schedOpts []schedule.Option
	if cfg.Delays.Seed != 0 {
		schedOpts = append(schedOpts, schedule.WithSeed(cfg.Delays.Seed))
	}
	scheduler, err := schedule.New(ranges, schedOpts...)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.extractor = gmaps.New(cfg.ExtractorSettings(), scheduler, a.logger)
	clock := system.New()
	a.stateStore = state.NewStore(cfg.State.Path, clock, a.logger.Named("state"))
	a.results = results.NewSink(results.Config{
		Dir:      cfg.Results.Dir,
		BaseName: cfg.Results.BaseName,
		Sheet:    cfg.Results.Sheet,
	}, a.logger.Named("results"))

	if err := setupStorage(ctx, a); err != nil {
		return err
	}
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	if err := setupPublisher(ctx, a); err != nil {
		return err
	}
	emitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}

	deps := crawl.Deps{
		Resolver:  resolver,
		Port:      a.extractor,
		State:     a.stateStore,
		Results:   a.results,
		Scheduler: scheduler,
		Clock:     clock,
		Progress:  emitter,
		Archiver:  a.archiver,
		Mirror:    a.recordMirror,
		Logger:    a.logger,
	}
	if cfg.Enrich.Enabled {
		deps.Enricher = setupEnricher(a, limiter)
	}
	a.orchestrator, err = crawl.New(cfg.OrchestratorConfig(), deps)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	if cfg.Server.Enabled {
		opts := api.Options{
			State:      a.stateStore,
			Targets:    cfg.Crawl.Targets(),
			Categories: cfg.Crawl.Categories,
			Metrics:    a.metrics,
			APIKey:     cfg.Server.APIKey,
			Logger:     a.logger.Named("api"),
		}
		if a.runRepo != nil {
			opts.Runs = a.runRepo
		}
		if a.pool != nil {
			opts.Ready = a.pool.Ping
		}
		a.apiServer = api.NewServer(opts)
	}
	return nil
}

// setupLimiter paces the geocoder host at its own rate; every other host
// (business websites during enrichment) shares the enrich rate.
func setupLimiter(app *App) *ratelimit.Limiter {
	geocoderHost := metrics.SanitizeSite(app.cfg.Geocoder.BaseURL)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.Enrich.RPS,
		DefaultBurst: 1,
		HostRPS:      map[string]float64{geocoderHost: app.cfg.Geocoder.RPS},
		Observer:     app.metrics.ObserveRateLimitDelay,
	})
	app.logger.Info("rate limiter configured",
		zap.String("geocoder_host", geocoderHost),
		zap.Float64("geocoder_rps", app.cfg.Geocoder.RPS),
		zap.Float64("default_rps", app.cfg.Enrich.RPS),
	)
	return limiter
}

func setupResolver(app *App, limiter *ratelimit.Limiter) geo.Resolver {
	// Nominatim localizes display names by Accept-Language.
	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent:      app.cfg.Geocoder.UserAgent,
		AcceptLanguage: app.cfg.Extractor.Locale,
		Timeout:        time.Duration(app.cfg.Geocoder.TimeoutSeconds) * time.Second,
		Limiter:        limiter,
	})
	return geo.NewNominatimResolver(fetch, geo.NominatimConfig{
		BaseURL:   app.cfg.Geocoder.BaseURL,
		UserAgent: app.cfg.Geocoder.UserAgent,
	}, app.logger.Named("geocoder"))
}

func setupEnricher(app *App, limiter *ratelimit.Limiter) crawl.Enricher {
	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Enrich.UserAgent,
		RespectRobots: app.cfg.Enrich.RespectRobots,
		Timeout:       time.Duration(app.cfg.Enrich.TimeoutSeconds) * time.Second,
		Limiter:       limiter,
	})
	app.logger.Info("contact enrichment enabled",
		zap.Bool("respect_robots", app.cfg.Enrich.RespectRobots),
		zap.Int("max_per_batch", app.cfg.Enrich.MaxPerBatch),
	)
	return enrich.New(fetch, enrich.Config{
		RespectRobots: app.cfg.Enrich.RespectRobots,
		MaxPerBatch:   app.cfg.Enrich.MaxPerBatch,
	}, app.logger)
}

func setupStorage(ctx context.Context, app *App) error {
	var blobStore archive.BlobStore
	switch app.cfg.Storage.Backend {
	case config.BackendNone:
		app.logger.Info("checkpoint archiving disabled")
		return nil
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobStore = local
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	archiver, err := archive.New(blobStore, app.cfg.Storage.Prefix, app.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	app.archiver = archiver
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, skipping run history and record mirror")
		return nil
	}
	var err error
	app.pool, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(app.cfg.Database.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if app.cfg.Database.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, app.pool); err != nil {
			return err
		}
	}
	runs, err := pgstore.NewRunStore(app.pool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.runRepo = runs
	records, err := pgstore.NewRecordStore(app.pool, app.cfg.Database.RecordsTable)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	app.recordMirror = records
	app.logger.Info("postgres stores initialized", zap.String("records_table", app.cfg.Database.RecordsTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" {
		app.logger.Info("no Pub/Sub topic configured, run summaries are not published")
		return nil
	}
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("Pub/Sub project not configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher, err = gcppublisher.NewForTopic(app.pubsubClient, app.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = app.pubsubPublisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.runRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if app.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(app.registry)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func locationNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Crawl.Locations))
	for _, loc := range cfg.Crawl.Locations {
		names = append(names, loc.Name)
	}
	return names
}
