package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"print-workflow/config"
	"print-workflow/internal/api"
	"print-workflow/internal/auth"
	"print-workflow/internal/broker"
	"print-workflow/internal/gateway"
	"print-workflow/internal/realtime"
	"print-workflow/internal/redisclient"
	"print-workflow/internal/service"
	"print-workflow/internal/store"
	"print-workflow/internal/store/memory"
	"print-workflow/internal/util"
	"print-workflow/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting print workflow service")

	tp, err := util.InitTracer("print-workflow", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()

	var (
		repo   store.Repository
		feed   store.ChangeFeed
		ready  func(ctx context.Context) error
		dbFeed *store.Listener
	)

	switch cfg.Database.Driver {
	case "memory":
		mem := memory.New()
		repo, feed = mem, mem
		logger.Warn("Using in-memory store; data is lost on restart")
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Database connected")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				logger.Fatal("Failed to apply schema", zap.Error(err))
			}
		}

		dbFeed = store.NewListener(cfg.Database.URL, cfg.Database.MinReconnect, cfg.Database.MaxReconnect)
		repo, feed, ready = db, dbFeed, db.Ping
	default:
		logger.Fatal("Unknown store driver", zap.String("driver", cfg.Database.Driver))
	}

	for user, role := range cfg.DevRoles {
		if err := seedRole(ctx, repo, user, role); err != nil {
			logger.Warn("Skipping role seed", zap.String("user_id", user), zap.Error(err))
		}
	}

	var idempotency *redisclient.Client
	if cfg.Redis.Enabled {
		idempotency, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable; Idempotency-Key replay disabled", zap.Error(err))
			idempotency = nil
		} else {
			defer idempotency.Close()
			logger.Info("Redis connected")
		}
	}

	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "http":
		gw = gateway.NewHTTPClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, gateway.BreakerSettings{
			MaxRequests:      cfg.Gateway.BreakerRequests,
			Interval:         cfg.Gateway.BreakerInterval,
			Timeout:          cfg.Gateway.BreakerTimeout,
			FailureThreshold: cfg.Gateway.BreakerThreshold,
		})
	default:
		gw = gateway.NewMock(cfg.Gateway.MockSuccessRate, cfg.Gateway.MockLatency)
	}

	policy := service.ReconcilePolicy{
		Attempts: cfg.Business.ReconcileAttempts,
		Backoff:  cfg.Business.ReconcileBackoff,
	}
	orderService := service.NewOrderService(repo)
	paymentService := service.NewPaymentService(repo, gw, policy)
	productionService := service.NewProductionService(repo, policy)
	viewService := service.NewViewService(orderService, paymentService, productionService)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup

	hub := realtime.NewHub()
	runBackground(&wg, logger, "Realtime hub", func() error { return hub.Run(workerCtx) })

	backoff := worker.Backoff{Min: cfg.Realtime.MinBackoff, Max: cfg.Realtime.MaxBackoff}

	if cfg.Realtime.FeedMode == "kafka" {
		group := fmt.Sprintf("%s-%s", cfg.Kafka.ConsumerGroup, uuid.NewString())
		feed = broker.NewFeed(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, group)
		logger.Info("Following changes from Kafka", zap.String("topic", cfg.Kafka.TopicChanges))
	}
	syncWorker := worker.NewSyncWorker(feed, hub, backoff)
	runBackground(&wg, logger, "Sync worker", func() error { return syncWorker.Start(workerCtx) })

	if cfg.Realtime.Relay {
		if dbFeed == nil {
			logger.Warn("Change relay needs the postgres store; relay disabled")
		} else {
			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
			defer producer.Close()
			relayWorker := worker.NewRelayWorker(dbFeed, broker.NewEventPublisher(producer), backoff)
			runBackground(&wg, logger, "Relay worker", func() error { return relayWorker.Start(workerCtx) })
		}
	}

	var verifier *auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewTokenVerifier(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set; trusting the X-User-ID header")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	opts := api.Options{
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
		Ready:          ready,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}
	if idempotency != nil {
		opts.Idempotency = idempotency
	}

	handler := api.NewHandler(api.Services{
		Orders:     orderService,
		Payments:   paymentService,
		Production: productionService,
		Views:      viewService,
		Hub:        hub,
		Resolver:   auth.NewResolver(repo),
		Verifier:   verifier,
	}, opts)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	wg.Wait()

	logger.Info("Server exited")
}

func runBackground(wg *sync.WaitGroup, logger *zap.Logger, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil && err != context.Canceled {
			logger.Error(name+" stopped", zap.Error(err))
		}
	}()
}

func seedRole(ctx context.Context, repo store.Repository, user, role string) error {
	userID, err := uuid.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return err
	}
	return repo.SetUserRole(ctx, userID, parsed.String())
}
