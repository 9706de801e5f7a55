// Package server wires configuration into a runnable crawler application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/api"
	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/clock/system"
	"github.com/JakeFAU/venue-crawler/internal/config"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/dispatcher"
	"github.com/JakeFAU/venue-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/venue-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/venue-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/venue-crawler/internal/governor"
	"github.com/JakeFAU/venue-crawler/internal/headless/detector"
	"github.com/JakeFAU/venue-crawler/internal/id/uuid"
	"github.com/JakeFAU/venue-crawler/internal/logging"
	"github.com/JakeFAU/venue-crawler/internal/metrics"
	"github.com/JakeFAU/venue-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/venue-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/venue-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/venue-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/venue-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/venue-crawler/internal/publisher/webhook"
	gcsstorage "github.com/JakeFAU/venue-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/venue-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/venue-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/venue-crawler/internal/storage/postgres"
	"github.com/JakeFAU/venue-crawler/internal/store"
	"github.com/JakeFAU/venue-crawler/internal/telemetry"
)

// Version is reported as the tracing service version.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	registry    *catalog.Registry
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server
	progressHub *progress.Hub
	runs        store.RunRepository
	deliverer   crawler.Deliverer
	pool        *pgxpool.Pool
	checks      map[string]api.ReadinessCheck
	registerer  prometheus.Registerer

	// closers run in reverse order after the progress hub drains.
	closers        []func()
	tracerShutdown func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithRegisterer sets where progress metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:        cfg,
		checks:     make(map[string]api.ReadinessCheck),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	if err := setupTracing(ctx, app); err != nil {
		return nil, err
	}
	metrics.Init()

	app.logger.Info("building application dependencies",
		zap.String("source", cfg.Crawl.Source),
		zap.String("shard", cfg.Shard().String()),
		zap.Int("local_shards", cfg.Crawl.LocalShards),
		zap.String("render_mode", cfg.Render.Mode),
		zap.String("sink", cfg.Sink.Kind),
		zap.Bool("dry_run", cfg.Crawl.DryRun),
		zap.String("proxy", config.MaskProxy(cfg.Proxy.URL)),
	)

	if err := setupCatalog(app); err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := setupRuns(ctx, app); err != nil {
		return nil, err
	}
	if err := setupDeliverer(ctx, app); err != nil {
		return nil, err
	}
	artifacts, err := setupArtifacts(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app); err != nil {
		return nil, err
	}
	renderer, err := setupRenderer(app)
	if err != nil {
		return nil, err
	}
	if err := setupDispatcher(app, renderer, artifacts); err != nil {
		return nil, err
	}
	setupAPI(app)

	ok = true
	return app, nil
}

// Sources lists the descriptor IDs known to the application.
func (a *App) Sources() []string {
	return a.registry.IDs()
}

// Plan resolves the configured source selector into a dispatch plan.
func (a *App) Plan() (dispatcher.Plan, error) {
	selected, err := a.registry.Select(a.cfg.Crawl.Source)
	if err != nil {
		return dispatcher.Plan{}, err
	}
	overrides := a.cfg.Overrides()
	sources := make([]catalog.Descriptor, 0, len(selected))
	for _, desc := range selected {
		sources = append(sources, desc.WithOverrides(overrides))
	}
	return dispatcher.Plan{
		Sources:     sources,
		Shard:       a.cfg.Shard(),
		LocalShards: a.cfg.Crawl.LocalShards,
		Parallelism: a.cfg.Crawl.Parallelism,
	}, nil
}

// Run crawls every planned (source, shard) pair. The status server, when
// configured, is up for the duration of the crawl and, with linger set,
// until ctx is canceled.
func (a *App) Run(ctx context.Context) (dispatcher.Report, error) {
	plan, err := a.Plan()
	if err != nil {
		err = fmt.Errorf("plan crawl: %w", err)
		return dispatcher.Report{Summaries: []crawler.RunSummary{a.planFailure(err)}}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				cancel()
			}
		}()
	}

	report, runErr := a.dispatch.Run(ctx, plan)
	for _, s := range report.Summaries {
		a.logger.Info("run summary",
			zap.String("run_id", s.RunID),
			zap.String("source", s.SourceID),
			zap.String("shard", s.Shard.String()),
			zap.Int("pages", s.PagesVisited),
			zap.Int("unique_items", s.UniqueItems),
			zap.Int("delivered", s.TotalDelivered),
			zap.Int("dropped", s.ItemsDropped),
			zap.String("stopped_reason", string(s.StoppedReason)),
			zap.String("error", s.ErrText),
		)
	}

	if srv != nil {
		if a.cfg.Server.Linger && ctx.Err() == nil {
			a.logger.Info("crawl finished, status server lingering until shutdown")
			<-ctx.Done()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return report, runErr
}

// planFailure reports a selector that could not be planned as a fatal run, so
// callers still get a summary.
func (a *App) planFailure(err error) crawler.RunSummary {
	now := time.Now().UTC()
	runID, _ := uuid.New().NewID()
	a.logger.Error("crawl not planned",
		zap.String("run_id", runID),
		zap.String("source", a.cfg.Crawl.Source),
		zap.Error(err),
	)
	return crawler.RunSummary{
		RunID:         runID,
		SourceID:      a.cfg.Crawl.Source,
		Shard:         a.cfg.Shard(),
		StoppedReason: crawler.StopFatalError,
		StartedAt:     now,
		FinishedAt:    now,
		Err:           err,
		ErrText:       err.Error(),
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr-backed loggers; nothing useful to do with it.
	_ = a.logger.Sync()
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    "venuecrawler",
		ServiceVersion: Version,
		SampleRatio:    app.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	return nil
}

func setupCatalog(app *App) error {
	app.registry = catalog.DefaultRegistry()
	if app.cfg.Crawl.CatalogFile == "" {
		return nil
	}
	descriptors, err := catalog.LoadFile(app.cfg.Crawl.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog load failed: %w", err)
	}
	if err := app.registry.Merge(descriptors...); err != nil {
		return fmt.Errorf("catalog merge failed: %w", err)
	}
	app.logger.Info("catalog file merged",
		zap.String("path", app.cfg.Crawl.CatalogFile),
		zap.Int("descriptors", len(descriptors)),
	)
	return nil
}

func needsDatabase(cfg config.Config) bool {
	sinkUsesDB := cfg.Sink.Kind == config.SinkPostgres && !cfg.Crawl.DryRun
	return sinkUsesDB || cfg.Runs.Store == config.StorePostgres
}

func setupDatabase(ctx context.Context, app *App) error {
	if !needsDatabase(app.cfg) {
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	app.pool = pool
	app.onClose(pool.Close)
	app.checks["database"] = pool.Ping
	app.logger.Info("database pool initialized", zap.Int32("max_conns", app.cfg.Database.MaxConns))
	return nil
}

func setupRuns(ctx context.Context, app *App) error {
	if app.cfg.Runs.Store != config.StorePostgres {
		app.logger.Info("using in-memory run store")
		app.runs = memorystorage.NewRunStore()
		return nil
	}
	runs, err := pgstore.NewRunStore(app.pool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run store schema failed: %w", err)
	}
	app.runs = runs
	app.logger.Info("using postgres run store")
	return nil
}

func setupDeliverer(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.Crawl.DryRun || cfg.Sink.Kind == config.SinkMemory {
		if cfg.Crawl.DryRun {
			app.logger.Warn("dry run: records are kept in memory and not delivered")
		}
		app.deliverer = memorypublisher.New()
		return nil
	}
	switch cfg.Sink.Kind {
	case config.SinkWebhook:
		hook, err := webhook.New(webhook.Config{
			Endpoint:  cfg.Sink.Endpoint,
			Token:     cfg.Sink.Token,
			UserAgent: cfg.Render.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("webhook init failed: %w", err)
		}
		app.deliverer = hook
		app.checks["webhook"] = hook.Ping
		app.logger.Info("webhook deliverer initialized")
	case config.SinkPubSub:
		pub, err := gcppublisher.Open(ctx, cfg.Sink.ProjectID, cfg.Sink.Topic, cfg.Sink.Token)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		app.deliverer = pub
		app.onClose(func() {
			if err := pub.Close(); err != nil {
				app.logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
		app.logger.Info("Pub/Sub deliverer initialized",
			zap.String("project", cfg.Sink.ProjectID),
			zap.String("topic", cfg.Sink.Topic),
		)
	case config.SinkPostgres:
		sink, err := pgstore.NewRecordSink(app.pool, cfg.Sink.Table)
		if err != nil {
			return fmt.Errorf("record sink init failed: %w", err)
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("record sink schema failed: %w", err)
		}
		app.deliverer = sink
		app.logger.Info("postgres deliverer initialized", zap.String("table", cfg.Sink.Table))
	default:
		return &crawler.ConfigurationError{Field: "sink.kind", Reason: fmt.Sprintf("unknown sink %q", cfg.Sink.Kind)}
	}
	return nil
}

func setupArtifacts(ctx context.Context, app *App) (crawler.ArtifactStore, error) {
	cfg := app.cfg.Artifacts
	switch cfg.Store {
	case config.StoreNone, "":
		app.logger.Info("debug artifacts disabled")
		return nil, nil
	case config.StoreLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local artifact store", zap.String("path", cfg.Dir))
		return blobs, nil
	case config.StoreGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose(func() {
			if err := blobs.Close(); err != nil {
				app.logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		app.logger.Info("using GCS artifact store", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.StoreMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, &crawler.ConfigurationError{Field: "artifacts.store", Reason: fmt.Sprintf("unknown store %q", cfg.Store)}
	}
}

func setupProgress(ctx context.Context, app *App) error {
	cfg := app.cfg.Progress
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if cfg.MetricEnabled {
		promSink, err := progresssinks.NewPrometheusSink(app.registerer)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatch,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupRenderer(app *App) (crawler.Renderer, error) {
	cfg := app.cfg
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
	}

	switch cfg.Render.Mode {
	case config.RenderService:
		renderer, err := collyfetcher.New(collyfetcher.Config{
			ServiceURL:  cfg.Render.ServiceURL,
			APIKey:      cfg.Render.APIKey,
			CountryCode: cfg.Render.CountryCode,
			UserAgent:   cfg.Render.UserAgent,
			Timeout:     cfg.Render.Timeout,
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("render service init failed: %w", err)
		}
		app.logger.Info("using render service", zap.String("country", cfg.Render.CountryCode))
		return renderer, nil
	default:
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         cfg.Render.UserAgent,
			ViewportWidth:     cfg.Render.ViewportWidth,
			ViewportHeight:    cfg.Render.ViewportHeight,
			NavigationTimeout: cfg.Render.Timeout,
			ProxyURL:          cfg.Proxy.URL,
			ExecPath:          cfg.Render.ChromePath,
			Logger:            app.logger.Named("chromedp"),
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("headless browser init failed: %w", err)
		}
		app.onClose(renderer.Close)
		app.logger.Info("using headless browser",
			zap.Int("viewport_width", cfg.Render.ViewportWidth),
			zap.Int("viewport_height", cfg.Render.ViewportHeight),
		)
		return renderer, nil
	}
}

func setupDispatcher(app *App, renderer crawler.Renderer, artifacts crawler.ArtifactStore) error {
	gov := governor.New(governor.Limits{
		Listing: app.cfg.Governor.Listing,
		Detail:  app.cfg.Governor.Detail,
	})
	deps := crawler.Deps{
		Renderer:  renderer,
		Extractor: extract.New(),
		Detector:  detector.NewHeuristic(app.cfg.Render.ChallengeThreshold),
		Deliverer: app.deliverer,
		Governor:  gov,
		Artifacts: artifacts,
		Progress:  app.progressHub,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    app.logger.Named("crawler"),
	}
	controller, err := crawler.New(deps, app.cfg.ControllerOptions())
	if err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}
	app.dispatch = dispatcher.New(controller, app.logger)
	return nil
}

func setupAPI(app *App) {
	if app.cfg.Server.ListenAddr == "" {
		return
	}
	app.apiServer = api.NewServer(api.Options{
		Runs:    app.runs,
		Sources: app.registry.IDs(),
		Checks:  app.checks,
		APIKey:  app.cfg.Server.APIKey,
		Metrics: metrics.Handler(),
		Logger:  app.logger.Named("api"),
	})
}
