// FlowCatalyst — combined scheduler + router binary.
//
// Runs the dispatch scheduler, the message router (queue consumer + HTTP
// mediator), and the internal dispatch processing endpoint in a single
// process, backed by one MongoDB deployment. Intended for smaller
// deployments that don't need the scheduler and router scaled
// independently; cmd/router and cmd/platform split the same components
// across processes for larger deployments.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"go.fluxdispatch.dev/internal/common/health"
	"go.fluxdispatch.dev/internal/common/leader"
	"go.fluxdispatch.dev/internal/common/lifecycle"
	"go.fluxdispatch.dev/internal/common/secrets"
	"go.fluxdispatch.dev/internal/config"
	"go.fluxdispatch.dev/internal/platform/api"
	"go.fluxdispatch.dev/internal/platform/dispatchjob"
	"go.fluxdispatch.dev/internal/platform/dispatchpool"
	"go.fluxdispatch.dev/internal/platform/serviceaccount"
	"go.fluxdispatch.dev/internal/queue"
	natsqueue "go.fluxdispatch.dev/internal/queue/nats"
	sqsqueue "go.fluxdispatch.dev/internal/queue/sqs"
	"go.fluxdispatch.dev/internal/router/manager"
	"go.fluxdispatch.dev/internal/router/mediator"
	"go.fluxdispatch.dev/internal/router/warning"
	"go.fluxdispatch.dev/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst",
		"version", version,
		"build_time", buildTime,
		"component", "flowcatalyst")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: true,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queuePublisher, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. SECRETS / CREDENTIAL CACHE
	// ========================================
	secretsProvider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	slog.Info("Secrets provider ready", "provider", secretsProvider.Name())

	serviceAccountRepo := serviceaccount.NewRepository(app.DB)
	credentialCache := serviceaccount.NewCache(serviceAccountRepo, secretsProvider)

	// ========================================
	// 4. DISPATCH PROCESSING ENDPOINT
	// ========================================
	dispatchJobRepo := dispatchjob.NewRepository(app.DB)
	authService := dispatchjob.NewDispatchAuthService(app.Config.AppKey, slog.Default())
	processingHandler := api.NewDispatchProcessingHandler(dispatchJobRepo, authService, credentialCache)

	// ========================================
	// 5. DISPATCH POOL CONFIG SOURCE
	// ========================================
	dispatchPoolRepo := dispatchpool.NewRepository(app.DB)
	configSourceHandler := api.NewConfigSourceHandler(dispatchPoolRepo)

	// ========================================
	// 6. SCHEDULER
	// ========================================
	dispatchScheduler := setupScheduler(app, queuePublisher)

	// ========================================
	// 7. MESSAGE ROUTER
	// ========================================
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)

	syncCfg := manager.DefaultConfigSyncConfig()
	syncCfg.Enabled = true
	syncCfg.Interval = app.Config.ConfigSyncInterval
	messageRouter.Manager().WithConfigSyncRepository(dispatchPoolRepo, syncCfg)

	routerService := manager.NewRouterService(messageRouter)

	// ========================================
	// 8. HTTP SURFACE
	// ========================================
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	httpRouter := setupHTTPRouter(app.Config, healthChecker, warningHandler, processingHandler, configSourceHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 9. SERVICE STARTUP
	// ========================================
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		newSchedulerService(dispatchScheduler),
		routerService,
	}

	slog.Info("FlowCatalyst ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderBackend", app.Config.Leader.Backend,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 10. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer and publisher based on configuration.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded", "":
		return setupEmbeddedQueue(ctx, app)
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	embeddedCfg := natsqueue.DefaultEmbeddedConfig()
	embeddedCfg.DataDir = cfg.Queue.NATS.DataDir

	slog.Info("Starting embedded NATS server", "dataDir", embeddedCfg.DataDir)

	srv, err := natsqueue.NewEmbeddedServer(embeddedCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Shutting down embedded NATS server")
		return srv.Close()
	})

	consumer, err := srv.CreateConsumer(ctx, "flowcatalyst-consumer", "dispatch.>", &queue.NATSConfig{
		URL:        fmt.Sprintf("nats://127.0.0.1:%d", srv.Port()),
		StreamName: embeddedCfg.StreamName,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create embedded consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool { return true })
	return consumer, srv.Publisher(), healthCheck, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "flowcatalyst-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool { return true })
	slog.Info("Connected to NATS server")
	return consumer, natsClient.Publisher(), healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS", "region", cfg.Queue.SQS.Region, "queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "flowcatalyst-consumer", "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, sqsClient.Publisher(), healthCheck, nil
}

// setupScheduler builds the dispatch scheduler, wiring in a pluggable leader
// election backend selected by Config.Leader.Backend.
func setupScheduler(app *lifecycle.App, publisher queue.Publisher) *scheduler.Scheduler {
	cfg := app.Config

	schedulerCfg := scheduler.DefaultSchedulerConfig()
	schedulerCfg.Database = cfg.MongoDB.Database
	schedulerCfg.ProcessingEndpoint = fmt.Sprintf("http://127.0.0.1:%d/api/dispatch/process", cfg.HTTP.Port)
	schedulerCfg.AppKey = cfg.AppKey
	schedulerCfg.LeaderElection = scheduler.LeaderElectionConfig{
		Enabled:         cfg.Leader.Enabled && cfg.Leader.Backend == "mongo",
		InstanceID:      cfg.Leader.InstanceID,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	s := scheduler.NewScheduler(app.MongoClient, publisher, schedulerCfg)

	if cfg.Leader.Enabled && cfg.Leader.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Leader.RedisURL)
		if err != nil {
			slog.Error("Invalid LEADER_REDIS_URL, falling back to no leader election", "error", err)
			return s
		}
		redisClient := redis.NewClient(opts)
		app.AddCleanup(redisClient.Close)

		electorCfg := leader.DefaultRedisElectorConfig("scheduler-leader")
		if cfg.Leader.InstanceID != "" {
			electorCfg.InstanceID = cfg.Leader.InstanceID
		}
		if cfg.Leader.TTL > 0 {
			electorCfg.TTL = cfg.Leader.TTL
		}
		if cfg.Leader.RefreshInterval > 0 {
			electorCfg.RefreshInterval = cfg.Leader.RefreshInterval
		}

		s.SetLockProvider(leader.NewRedisLeaderElector(redisClient, electorCfg))
		slog.Info("Scheduler leader election backend: redis")
	} else if cfg.Leader.Enabled {
		slog.Info("Scheduler leader election backend: mongo")
	}

	return s
}

// setupHTTPRouter wires the HTTP surface: health, metrics, the dispatch
// processing endpoint the router's mediator calls back into, and the
// config-source endpoint the router polls for its pool roster.
func setupHTTPRouter(cfg *config.Config, healthChecker *health.Checker, warningHandler *warning.Handler, processingHandler *api.DispatchProcessingHandler, configSourceHandler *api.ConfigSourceHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Mount("/api/dispatch/process", processingHandler.Routes())
	r.Mount("/api/config-source", configSourceHandler.Routes())

	warningHandler.RegisterRoutes(r)

	return r
}

// schedulerService adapts *scheduler.Scheduler to lifecycle.Service.
type schedulerService struct {
	scheduler *scheduler.Scheduler
}

func newSchedulerService(s *scheduler.Scheduler) *schedulerService {
	return &schedulerService{scheduler: s}
}

func (s *schedulerService) Name() string { return "dispatch-scheduler" }

func (s *schedulerService) Start(ctx context.Context) error {
	s.scheduler.Start()
	<-ctx.Done()
	return nil
}

func (s *schedulerService) Stop(ctx context.Context) error {
	s.scheduler.Stop()
	return nil
}

func (s *schedulerService) Health() error {
	if !s.scheduler.IsRunning() {
		return fmt.Errorf("scheduler not running")
	}
	return nil
}
