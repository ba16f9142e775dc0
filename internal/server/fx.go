// Package server builds the orchestrator's dependencies and runs one
// generation pass over the pending work.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/api"
	"github.com/JakeFAU/genfleet/internal/artifact"
	"github.com/JakeFAU/genfleet/internal/clock/system"
	"github.com/JakeFAU/genfleet/internal/config"
	"github.com/JakeFAU/genfleet/internal/dashboard"
	"github.com/JakeFAU/genfleet/internal/dispatcher"
	"github.com/JakeFAU/genfleet/internal/driver"
	cdpdriver "github.com/JakeFAU/genfleet/internal/driver/chromedp"
	pwdriver "github.com/JakeFAU/genfleet/internal/driver/playwright"
	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/hash/sha256"
	idgen "github.com/JakeFAU/genfleet/internal/id/uuid"
	"github.com/JakeFAU/genfleet/internal/pacing"
	"github.com/JakeFAU/genfleet/internal/policy/ratelimit"
	"github.com/JakeFAU/genfleet/internal/progress"
	progresssinks "github.com/JakeFAU/genfleet/internal/progress/sinks"
	"github.com/JakeFAU/genfleet/internal/provider/bitbrowser"
	gcppublisher "github.com/JakeFAU/genfleet/internal/publisher/pubsub"
	"github.com/JakeFAU/genfleet/internal/quota"
	"github.com/JakeFAU/genfleet/internal/runstate"
	"github.com/JakeFAU/genfleet/internal/session"
	gcsstorage "github.com/JakeFAU/genfleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/genfleet/internal/storage/local"
	pgstore "github.com/JakeFAU/genfleet/internal/storage/postgres"
	"github.com/JakeFAU/genfleet/internal/store"
	"github.com/JakeFAU/genfleet/internal/telemetry"
	"github.com/JakeFAU/genfleet/internal/tracker"
	"github.com/JakeFAU/genfleet/internal/worksource/excel"
)

const (
	serviceName     = "genfleet"
	shutdownTimeout = 10 * time.Second
	hubCloseTimeout = 15 * time.Second
)

// RunOptions tune one invocation of Run.
type RunOptions struct {
	// Dashboard renders the live terminal view while the run is in progress.
	Dashboard bool
}

// Option overrides a collaborator Build would otherwise construct from
// configuration.
type Option func(*App)

// WithProvider replaces the BitBrowser client.
func WithProvider(p farm.SessionProvider) Option {
	return func(a *App) { a.provider = p }
}

// WithDriver replaces the page driver.
func WithDriver(d farm.Driver) Option {
	return func(a *App) { a.driver = d }
}

// WithBlobStore replaces the configured artifact store.
func WithBlobStore(b farm.BlobStore) Option {
	return func(a *App) { a.blobStore = b }
}

// WithLedger replaces the Postgres run ledger.
func WithLedger(repo store.LedgerRepository) Option {
	return func(a *App) { a.ledger = repo }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p farm.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithRegisterer sets where run metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithClock replaces the wall clock.
func WithClock(c farm.Clock) Option {
	return func(a *App) { a.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock      farm.Clock
	provider   farm.SessionProvider
	driver     farm.Driver
	blobStore  farm.BlobStore
	source     *excel.Source
	sink       *artifact.Sink
	ledger     store.LedgerRepository
	publisher  farm.Publisher
	registerer prometheus.Registerer
	api        *api.Server

	gcs         *gcsstorage.BlobStore
	pgLedger    *pgstore.Ledger
	pubsub      *gcppublisher.Publisher
	pwConnector *pwdriver.Connector
	promSink    *progresssinks.PrometheusSink

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies from cfg. Collaborators passed
// as options are used as-is.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(app)
	}
	if app.clock == nil {
		app.clock = system.New()
	}
	if app.registerer == nil {
		app.registerer = prometheus.DefaultRegisterer
	}

	app.logger.Info("building application dependencies",
		zap.Int("sessions", len(cfg.Browser.IDs)),
		zap.String("driver", cfg.Browser.Driver),
		zap.String("storage", cfg.Storage.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := setupProvider(app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupDriver(app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupStorage(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupWorkSource(app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	app.promSink = promSink
	if cfg.Server.Port > 0 {
		var ledgerHandler *api.LedgerHandler
		if app.ledger != nil {
			ledgerHandler = api.NewLedgerHandler(app.ledger, app.logger.Named("ledger_api"))
		}
		app.api = api.NewServer(api.Options{APIKey: cfg.Server.APIKey, Ledger: ledgerHandler}, app.logger)
	}
	return app, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pending lists what the next run would work on.
func (a *App) Pending(ctx context.Context) ([]farm.WorkItem, error) {
	items, err := a.source.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return items, nil
}

// Run performs one pass over the pending work and blocks until it ends.
// Cancelling ctx requests a graceful stop.
func (a *App) Run(ctx context.Context, opts RunOptions) (dispatcher.Summary, error) {
	items, err := a.Pending(ctx)
	if err != nil {
		return dispatcher.Summary{}, err
	}
	runID, err := idgen.New().NewRawID()
	if err != nil {
		return dispatcher.Summary{}, fmt.Errorf("generate run id: %w", err)
	}

	ctx, span := otel.Tracer("github.com/JakeFAU/genfleet/internal/server").Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run_id", runID.String()),
			attribute.Int("items", len(items)),
		),
	)
	defer span.End()

	refs := make([]runstate.SessionRef, len(a.cfg.Browser.IDs))
	for i, id := range a.cfg.Browser.IDs {
		refs[i] = runstate.SessionRef{ID: id, Label: a.cfg.Label(i)}
	}
	state := runstate.New(runID.String(), a.clock.Now(), items, refs)
	if len(items) == 0 {
		a.logger.Info("no pending items, nothing to do")
		state.Finish(a.clock.Now())
		return dispatcher.Summary{Snapshot: state.Snapshot(), Reason: dispatcher.EndDrained}, nil
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var dash *dashboard.Dashboard
	if opts.Dashboard {
		dash = dashboard.New(dashboard.Options{Source: state.Snapshot, OnQuit: stopRun}, a.logger)
	}

	hub := setupProgress(ctx, a, dash)

	srv := a.startHTTP(state, stopRun)

	dashDone := make(chan struct{})
	if dash != nil {
		go func() {
			defer close(dashDone)
			if err := dash.Run(); err != nil {
				a.logger.Warn("dashboard failed", zap.Error(err))
			}
		}()
	} else {
		close(dashDone)
	}

	disp := setupDispatcher(a, runID, state, hub)
	summary := disp.Run(runCtx)

	hubCtx, cancelHub := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
	defer cancelHub()
	if err := hub.Close(hubCtx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if dropped := hub.Dropped(); dropped > 0 {
		a.logger.Warn("progress events dropped",
			zap.Int64("count", dropped),
			zap.Any("by_stage", hub.DroppedByStage()),
		)
	}
	if dash != nil {
		dash.Stop()
	}
	<-dashDone
	a.stopHTTP(srv)
	return summary, nil
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.pgLedger != nil {
		a.pgLedger.Close()
		a.pgLedger = nil
	}
	if a.pwConnector != nil {
		if err := a.pwConnector.Stop(); err != nil {
			a.logger.Warn("playwright stop failed", zap.Error(err))
		}
		a.pwConnector = nil
	}
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) startHTTP(state *runstate.State, stopRun context.CancelFunc) *http.Server {
	if a.api == nil {
		return nil
	}
	a.api.Attach(state)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stopRun()
		}
	}()
	return srv
}

func (a *App) stopHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
}

func setupProvider(app *App) error {
	if app.provider != nil {
		return nil
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: app.cfg.Browser.ProviderRPS, DefaultBurst: 1})
	client, err := bitbrowser.New(bitbrowser.Config{
		BaseURL: app.cfg.Browser.ProviderURL,
		Timeout: config.Seconds(app.cfg.Browser.OpenTimeoutSeconds),
	}, nil, limiter, app.logger)
	if err != nil {
		return &farm.FatalConfigError{Field: "browser.provider_url", Err: err}
	}
	app.provider = client
	app.logger.Info("using bitbrowser provider",
		zap.String("url", app.cfg.Browser.ProviderURL),
		zap.Float64("rps", app.cfg.Browser.ProviderRPS),
	)
	return nil
}

func setupDriver(app *App) error {
	if app.driver != nil {
		return nil
	}
	sel, err := driver.LoadSelectors(app.cfg.Generation.SelectorsFile)
	if err != nil {
		return &farm.FatalConfigError{Field: "generation.selectors_file", Err: err}
	}
	var connector driver.Connector
	switch app.cfg.Browser.Driver {
	case "playwright":
		app.pwConnector = pwdriver.NewConnector(pwdriver.Config{Install: true}, app.logger)
		connector = app.pwConnector
	default:
		connector = cdpdriver.NewConnector(cdpdriver.Config{}, app.logger)
	}
	app.driver = driver.New(connector, sel, driver.Options{
		Poll:           config.Seconds(app.cfg.Generation.PollSeconds),
		ExpectedImages: app.cfg.Generation.ExpectedImages,
		Pacer:          pacing.FromSeconds(app.cfg.Pacing.MinDelay, app.cfg.Pacing.MaxDelay),
	}, app.logger)
	app.logger.Info("page driver ready", zap.String("driver", app.cfg.Browser.Driver))
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	if app.blobStore == nil {
		switch app.cfg.Storage.Backend {
		case "gcs":
			app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
			store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
				Bucket: app.cfg.Storage.GCSBucket,
				Prefix: app.cfg.Storage.Prefix,
			}, app.logger)
			if err != nil {
				return fmt.Errorf("gcs blob store init failed: %w", err)
			}
			app.gcs = store
			app.blobStore = store
		default:
			app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
			store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
			if err != nil {
				return fmt.Errorf("local blob store init failed: %w", err)
			}
			app.blobStore = store
		}
	}

	fetcher := artifact.NewFetcher(artifact.FetcherConfig{
		UserAgent: app.cfg.Download.UserAgent,
		Timeout:   config.Seconds(app.cfg.Download.TimeoutSeconds),
	}, ratelimit.New(ratelimit.Config{DefaultRPS: app.cfg.Download.RPS, DefaultBurst: 2}))
	app.sink = artifact.NewSink(
		artifact.SinkConfig{ContentType: app.cfg.Storage.ContentType},
		fetcher,
		app.blobStore,
		sha256.New(),
		app.logger,
	)
	return nil
}

func setupWorkSource(app *App) error {
	blobs := app.blobStore
	exists := func(ctx context.Context, item farm.WorkItem) (bool, error) {
		return artifact.Exists(ctx, blobs, item)
	}
	ws := app.cfg.WorkSource
	source, err := excel.New(excel.Config{
		RootDir:           ws.RootDir,
		PromptColumn:      ws.PromptColumn,
		StatusColumn:      ws.StatusColumn,
		AspectRatioColumn: ws.AspectRatioColumn,
		StartRow:          ws.StartRow,
		DoneMarker:        ws.DoneMarker,
		RejectedMarker:    ws.RejectedMarker,
	}, exists, app.logger)
	if err != nil {
		return &farm.FatalConfigError{Field: "worksource", Err: err}
	}
	app.source = source
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.ledger != nil {
		return nil
	}
	if app.cfg.DB.DSN == "" {
		app.logger.Info("no DSN specified for database, run ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedger(ctx, pgstore.Config{
		DSN:        app.cfg.DB.DSN,
		RunsTable:  app.cfg.DB.RunsTable,
		ItemsTable: app.cfg.DB.EventsTable,
	})
	if err != nil {
		return fmt.Errorf("run ledger init failed: %w", err)
	}
	if err := ledger.Migrate(ctx); err != nil {
		ledger.Close()
		return fmt.Errorf("run ledger migrate failed: %w", err)
	}
	app.pgLedger = ledger
	app.ledger = ledger
	app.logger.Info("run ledger initialized",
		zap.String("runs_table", app.cfg.DB.RunsTable),
		zap.String("items_table", app.cfg.DB.EventsTable),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.publisher != nil {
		return nil
	}
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, completion notices disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName, app.logger)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsub = pub
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App, dash *dashboard.Dashboard) *progress.Hub {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		app.promSink,
	}

	if app.ledger != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.ledger, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(app.publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publish")))
		app.logger.Debug("added progress publish sink")
	}
	if dash != nil {
		sinkList = append(sinkList, dash.Sink())
	}

	hubCfg := progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}
	return progress.NewHub(hubCfg, sinkList...)
}

func setupDispatcher(app *App, runID uuid.UUID, state *runstate.State, hub *progress.Hub) *dispatcher.Dispatcher {
	cfg := app.cfg
	monitor := quota.New(quota.Config{
		Enabled:   cfg.Quota.Enabled,
		Threshold: cfg.Quota.MinPointsThreshold,
		Interval:  config.Seconds(cfg.Quota.CheckIntervalSeconds),
	}, app.clock, app.logger)

	runners := make([]dispatcher.Runner, len(cfg.Browser.IDs))
	for i, id := range cfg.Browser.IDs {
		runners[i] = session.New(session.Config{
			Index:                i,
			ID:                   id,
			Label:                cfg.Label(i),
			OpenTimeout:          config.Seconds(cfg.Browser.OpenTimeoutSeconds),
			MaxConsecutiveErrors: cfg.Errors.MaxConsecutiveErrors,
			ErrorCooldown:        config.Seconds(cfg.Errors.ErrorCooldownSeconds),
			GenerationTimeout:    config.Seconds(cfg.Generation.TimeoutSeconds),
			DefaultAspectRatio:   cfg.Generation.AspectRatio,
		}, session.Deps{
			Provider: app.provider,
			Driver:   app.driver,
			Sink:     app.sink,
			Monitor:  monitor,
			Clock:    app.clock,
		}, app.logger)
	}

	return dispatcher.New(dispatcher.Config{
		RunID:                  runID,
		TaskInterval:           config.Seconds(cfg.Scheduler.TaskIntervalSeconds),
		StartupDelay:           config.Seconds(cfg.Scheduler.StartupDelaySeconds),
		Tick:                   time.Duration(cfg.Scheduler.TickMillis) * time.Millisecond,
		MaxItemAttempts:        cfg.Scheduler.MaxItemAttempts,
		AbandonedReassignments: cfg.Scheduler.AbandonedReassignments,
		WaitForQuota:           cfg.Scheduler.WaitForQuota,
		ShutdownGrace:          config.Seconds(cfg.Scheduler.ShutdownGraceSeconds),
		ReportInterval:         config.Seconds(cfg.Scheduler.ReportIntervalSeconds),
	}, runners, state, tracker.New(app.source, state, app.logger), hub, app.clock, app.logger)
}
