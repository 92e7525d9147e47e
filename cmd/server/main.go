package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-finalizer/config"
	"order-finalizer/internal/api"
	"order-finalizer/internal/broker"
	"order-finalizer/internal/gateway"
	"order-finalizer/internal/redisclient"
	"order-finalizer/internal/service"
	"order-finalizer/internal/signature"
	"order-finalizer/internal/store"
	"order-finalizer/internal/util"
	"order-finalizer/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order finalizer")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	verifier, err := signature.NewVerifier(cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret)
	if err != nil {
		logger.Fatal("Failed to create signature verifier", zap.Error(err))
	}
	gatewayClient := gateway.NewClient(cfg.Gateway.KeyID, cfg.Gateway.KeySecret)

	finalizer := service.NewOrderFinalizer(db, gatewayClient, verifier, eventPublisher, cfg.Business.NotifyTimeout)
	orderService := service.NewOrderService(db, gatewayClient, verifier, eventPublisher, service.CheckoutConfig{
		KeyID:       cfg.Gateway.KeyID,
		Currency:    cfg.Gateway.Currency,
		OrderExpiry: cfg.Business.OrderExpiry,
	}, cfg.Business.NotifyTimeout)
	webhooks := service.NewWebhookProcessor(verifier, finalizer, redisClient, cfg.Business.WebhookDedup)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	relay := worker.NewOutboxRelay(db, eventPublisher, cfg.Business.OutboxInterval, cfg.Business.OutboxGrace, cfg.Business.NotifyTimeout)
	go func() {
		if err := relay.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notifyWorker := worker.NewNotificationWorker(notifyConsumer, worker.NewLogDispatcher(logger))
	go func() {
		if err := notifyWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(
		orderService,
		finalizer,
		webhooks,
		api.NewRateLimiter(cfg.Business.RateLimitRPS, cfg.Business.RateLimitBurst),
		map[string]api.Pinger{"postgres": db, "redis": redisClient},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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
	if err := notifyWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
