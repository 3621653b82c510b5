// Package server builds the collection service from configuration and runs it.
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
	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/api"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/breaker"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/clock/system"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/config"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/hash/sha256"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/id/uuid"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/identity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/logging"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/middleware"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/orchestrator"
	memorypublisher "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/publisher/memory"
	gcppublisher "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/publisher/pubsub"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/ratelimit"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/retry"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/retryhandler"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/scheduler"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/state"
	gcsstorage "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/storage/gcs"
	localstorage "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/storage/local"
	memorystorage "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/storage/memory"
	pgstore "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/storage/postgres"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/telemetry"
	collytransport "github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/transport/colly"
)

// Version is reported as the service version on spans.
var Version = "dev"

// localEscalationTopic receives escalation events when Pub/Sub is not
// configured, so they still reach the log.
const localEscalationTopic = "local-escalations"

type outputStore interface {
	collector.OutputStore
	collector.OutputRecorder
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	orch           *orchestrator.Orchestrator
	apiServer      *api.Server
	storage        *storage.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	outputPool     *pgstore.OutputStore
	tracerShutdown func(context.Context) error
}

// Orchestrator returns the collection core.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the service and the admin API and blocks until the context is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orch.StartService(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	var errs []error
	if err := a.orch.StopService(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop service: %w", err))
	}
	select {
	case err := <-serveErr:
		errs = append(errs, fmt.Errorf("serve http: %w", err))
	default:
	}
	errs = append(errs, a.Close(shutdownCtx))
	return errors.Join(errs...)
}

// Close releases clients and flushes telemetry. It does not stop the
// orchestrator.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
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
	if a.outputPool != nil {
		a.outputPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout for some platforms.
	_ = a.logger.Sync()
}

// initTracerProvider is replaced in tests.
var initTracerProvider = telemetry.InitTracerProvider

// Build creates the application's dependencies. Anything already started is
// released again when a later step fails.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		app.closeObservability(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracerShutdown, err = initTracerProvider(ctx, telemetry.Config{
		Enabled:        a.cfg.Telemetry.Enabled,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	clock := system.New()
	hasher := sha256.New()

	docs, err := a.setupDocuments(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	output, err := a.setupOutput(ctx)
	if err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	mw, err := a.setupMiddleware(clock)
	if err != nil {
		return err
	}

	manager, err := state.NewManager(ctx, docs, clock, hasher, a.logger.Named("state"))
	if err != nil {
		return fmt.Errorf("state manager init failed: %w", err)
	}
	schedCfg := a.cfg.SchedulerConfig()
	schedCfg.EscalationTopic = topic
	sched := scheduler.New(schedCfg, manager, clock, publisher, a.logger.Named("scheduler"))

	validator := integrity.New(a.cfg.IntegrityConfig(), manager, output, clock, a.logger.Named("integrity"))

	a.orch, err = orchestrator.New(orchestrator.Deps{
		State:      manager,
		Scheduler:  sched,
		Validator:  validator,
		Middleware: mw,
		IDs:        uuid.New(),
		Clock:      clock,
		Logger:     a.logger.Named("orchestrator"),
	}, orchestrator.Features{
		AutoRetry:      a.cfg.Features.EnableAutoRetry,
		IntegrityCheck: a.cfg.Features.EnableIntegrityCheck,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	retryhandler.RegisterAll(a.orch, retryhandler.Deps{
		Fetcher: mw,
		Blobs:   blobs,
		Output:  output,
		Hasher:  hasher,
		Clock:   clock,
		Logger:  a.logger.Named("retry_handler"),
	}, a.cfg.HandlersConfig())

	a.apiServer = api.NewServer(a.orch, mw, a.cfg.Auth, a.logger.Named("api"))
	return nil
}

func (a *App) gcsClient(ctx context.Context) (*storage.Client, error) {
	if a.storage != nil {
		return a.storage, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	a.storage = client
	return client, nil
}

func (a *App) setupDocuments(ctx context.Context) (collector.DocumentStore, error) {
	sc := a.cfg.State
	switch sc.Backend {
	case config.BackendGCS:
		client, err := a.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		docs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCSBucket, Prefix: sc.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs state store init failed: %w", err)
		}
		a.logger.Info("using GCS state store", zap.String("bucket", sc.GCSBucket), zap.String("prefix", sc.Prefix))
		return docs, nil
	case config.BackendLocal:
		docs, err := localstorage.NewDocumentStore(localstorage.Config{BaseDir: sc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local state store init failed: %w", err)
		}
		a.logger.Info("using local state store", zap.String("path", sc.BaseDir))
		return docs, nil
	default:
		a.logger.Warn("using in-memory state store, state is lost on restart")
		return memorystorage.NewDocumentStore(), nil
	}
}

func (a *App) setupBlobs(ctx context.Context) (collector.BlobStore, error) {
	ac := a.cfg.Assets
	switch ac.Backend {
	case config.BackendGCS:
		client, err := a.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: ac.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS asset store", zap.String("bucket", ac.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.NewBlobStore(localstorage.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local asset store", zap.String("path", ac.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory asset store")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupOutput returns nil when output tracking is disabled.
func (a *App) setupOutput(ctx context.Context) (outputStore, error) {
	oc := a.cfg.Output
	switch oc.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewOutputStore(ctx, pgstore.OutputStoreConfig{
			DSN:             oc.DSN,
			Table:           oc.Table,
			MaxConns:        oc.MaxConns,
			MinConns:        oc.MinConns,
			MaxConnLifetime: time.Duration(oc.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("output store init failed: %w", err)
		}
		a.outputPool = store
		if oc.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("output schema init failed: %w", err)
			}
		}
		a.logger.Info("output store initialized", zap.String("table", oc.Table))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory output store")
		return memorystorage.NewOutputStore(), nil
	default:
		a.logger.Warn("output store disabled, integrity checks skip data counts")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (collector.Publisher, string, error) {
	ec := a.cfg.Escalation
	if ec.TopicName == "" || ec.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, escalations go to the in-memory publisher")
		return memorypublisher.New(a.logger.Named("escalations")), localEscalationTopic, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, ec.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", ec.ProjectID),
		zap.String("topic", ec.TopicName),
	)
	return a.publisher, ec.TopicName, nil
}

func (a *App) setupMiddleware(clock collector.Clock) (*middleware.Middleware, error) {
	transport := collytransport.New(a.cfg.TransportConfig(), a.logger.Named("transport"))
	deps := middleware.Deps{
		Transport: transport,
		Limiter:   ratelimit.New(a.cfg.RateLimiterConfig(), a.logger.Named("ratelimit")),
		Breaker:   breaker.New("collector", a.cfg.BreakerConfig(), clock, a.logger.Named("breaker")),
		Retry:     retry.New(a.cfg.RetryHandlerConfig(), a.logger.Named("retry")),
		Identity:  identity.New(a.cfg.IdentityConfig(), clock, a.logger.Named("identity")),
		Logger:    a.logger.Named("middleware"),
	}
	if rps := a.cfg.RateLimit.PerHostRPS; rps > 0 {
		deps.HostLimiter = ratelimit.NewHostLimiter(rps, a.cfg.RateLimit.BurstSize)
		a.logger.Info("per-host rate limiter enabled", zap.Float64("rps", rps))
	}
	mw, err := middleware.New(deps)
	if err != nil {
		return nil, fmt.Errorf("middleware init failed: %w", err)
	}
	return mw, nil
}
