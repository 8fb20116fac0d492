package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/audit"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/resilient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/store/memstore"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ledgerStore is what both the Postgres and the in-memory store provide
type ledgerStore interface {
	service.Ledger
	audit.AuditLogWriter
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.String("vendors", cfg.Vendors.Mode))

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ledger, closeLedger := openLedger(cfg, logger)
	defer closeLedger()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	webhookProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks)
	defer webhookProducer.Close()
	fulfillmentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment)
	defer fulfillmentProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(webhookProducer, fulfillmentProducer)

	client := resilient.NewClient(resilient.Config{
		Timeout:        cfg.Provider.Timeout,
		MaxAttempts:    cfg.Provider.MaxAttempts,
		InitialBackoff: cfg.Provider.InitialBackoff,
		MaxBackoff:     cfg.Provider.MaxBackoff,
	})

	sink := audit.Multi{
		audit.NewLogSink(logger),
		audit.NewLedgerSink(ledger),
		audit.NewKafkaSink(eventPublisher),
	}

	sagaOrchestrator := service.NewSagaOrchestrator(ledger, buildProviders(cfg), client, sink, redisClient, service.Settings{
		MaxItemRetries:   cfg.Fulfillment.MaxItemRetries,
		Nameservers:      cfg.Fulfillment.Nameservers,
		TempDomainSuffix: cfg.Fulfillment.TempDomainSuffix,
		LockTTL:          cfg.Fulfillment.LockTTL,
		StalledAfter:     cfg.Fulfillment.StalledAfter,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	webhookConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentEventWorker(webhookConsumer, redisClient, cfg.Webhook.DedupeTTL, sagaOrchestrator)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Payment event worker error", zap.Error(err))
		}
	}()

	retryWorker := worker.NewRetryWorker(sagaOrchestrator, cfg.Fulfillment.RetryInterval, cfg.Fulfillment.SweepBatchSize)
	go func() {
		if err := retryWorker.Start(workerCtx); err != nil {
			logger.Error("Retry worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is empty, webhook signatures are not verified")
	}

	router := gin.New()
	handler := api.NewHandler(sagaOrchestrator, eventPublisher, cfg.Webhook.Secret, map[string]api.ReadinessCheck{
		"database": ledger.Ping,
		"redis":    redisClient.Ping,
	})
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		logger.Error("Error stopping payment worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// openLedger connects the Postgres ledger, or an in-memory one for DATABASE_URL=memory://
func openLedger(cfg *config.Config, logger *zap.Logger) (ledgerStore, func()) {
	if strings.HasPrefix(cfg.Database.URL, "memory://") {
		logger.Warn("Using in-memory ledger, state is lost on restart")
		return memstore.New(), func() {}
	}

	if cfg.Database.MigrationsAuto {
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")

	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}
}
