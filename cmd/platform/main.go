// FlowCatalyst Platform
//
// Standalone platform binary for split deployments: runs the dispatch
// scheduler plus the internal dispatch processing endpoint and the
// dispatch-pool config-source endpoint. Pairs with cmd/router, which runs
// the queue consumer and HTTP mediator in a separate, independently
// scalable process.
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
	"go.fluxdispatch.dev/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Platform",
		"version", version,
		"build_time", buildTime,
		"component", "platform")

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
	// 2. QUEUE PUBLISHER
	// ========================================
	queuePublisher, err := setupQueuePublisher(app)
	if err != nil {
		slog.Error("Failed to setup queue publisher", "error", err)
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
	// 7. HTTP SURFACE
	// ========================================
	healthChecker := health.NewChecker()

	httpRouter := setupHTTPRouter(app.Config, healthChecker, processingHandler, configSourceHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 8. SERVICE STARTUP
	// ========================================
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		newSchedulerService(dispatchScheduler),
	}

	slog.Info("Platform ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderBackend", app.Config.Leader.Backend,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 9. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Platform stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueuePublisher initializes a queue publisher based on configuration.
// The platform process only ever publishes dispatch jobs; consuming them is
// cmd/router's job.
func setupQueuePublisher(app *lifecycle.App) (queue.Publisher, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded", "":
		embeddedCfg := natsqueue.DefaultEmbeddedConfig()
		embeddedCfg.DataDir = cfg.Queue.NATS.DataDir

		slog.Info("Starting embedded NATS server", "dataDir", embeddedCfg.DataDir)
		srv, err := natsqueue.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Shutting down embedded NATS server")
			return srv.Close()
		})
		return srv.Publisher(), nil

	case "nats":
		slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)
		natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Disconnecting from NATS")
			return natsClient.Close()
		})
		return natsClient.Publisher(), nil

	case "sqs":
		ctx := context.Background()
		slog.Info("Connecting to AWS SQS", "region", cfg.Queue.SQS.Region, "queueURL", cfg.Queue.SQS.QueueURL)
		sqsClient, err := sqsqueue.NewClient(ctx, &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Disconnecting from SQS")
			return sqsClient.Close()
		})
		return sqsClient.Publisher(), nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
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
func setupHTTPRouter(cfg *config.Config, healthChecker *health.Checker, processingHandler *api.DispatchProcessingHandler, configSourceHandler *api.ConfigSourceHandler) http.Handler {
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
