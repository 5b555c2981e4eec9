package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-engine/config"
	"order-engine/internal/api"
	"order-engine/internal/broker"
	"order-engine/internal/gateway"
	"order-engine/internal/inventory"
	"order-engine/internal/pricing"
	"order-engine/internal/redisclient"
	"order-engine/internal/service"
	"order-engine/internal/store"
	"order-engine/internal/util"
	"order-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what both store drivers provide.
type backend interface {
	store.Repository
	service.Catalog
	ProductStock(ctx context.Context) (map[string]int, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order engine")

	tp, err := util.InitTracer("order-engine", cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
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

	ctx := context.Background()
	checks := map[string]api.Pinger{}

	var db backend
	switch cfg.Database.Driver {
	case "memory":
		db = store.NewMemoryStore()
		logger.Warn("Using in-memory store, orders are lost on restart")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		if cfg.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		checks["postgres"] = pg
		db = pg
		logger.Info("Database connected")
	}

	var (
		mirror inventory.Mirror
		guard  *redisclient.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		mirror, guard = redisClient, redisClient
		checks["redis"] = redisClient
		logger.Info("Redis connected")

		stock, err := db.ProductStock(ctx)
		if err == nil {
			err = inventory.SyncMirror(ctx, stock, redisClient)
		}
		if err != nil {
			logger.Warn("Failed to sync stock to Redis", zap.Error(err))
		}
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	stripeGateway, err := gateway.NewStripe(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret)
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}
	if cfg.Stripe.APIKey == "" {
		logger.Warn("STRIPE_API_KEY not set, payment handles are created offline")
	}

	tax, threshold, shipping, promos, err := cfg.Business.PricingValues()
	if err != nil {
		logger.Fatal("Invalid pricing configuration", zap.Error(err))
	}
	policy := pricing.Policy{
		TaxRatePercent:        tax,
		FreeShippingThreshold: threshold,
		ShippingFee:           shipping,
		PromoCodes:            promos,
	}

	dispatcher := service.NewDispatcher(broker.NewNotificationPublisher(producer), cfg.Business.NotificationTimeout)
	reconciler := service.NewReconciler(db, stripeGateway, inventory.NewMutator(mirror), dispatcher, cfg.Business.ReconcileTimeout)
	orderService := service.NewOrderService(db, db, stripeGateway, policy, cfg.Business.Currency, reconciler)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, worker.LogSender{}, cfg.Business.NotificationTimeout)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, reconciler, stripeGateway)
	if guard != nil {
		handler.WithEventGuard(guard, cfg.Business.WebhookIdempotencyTTL)
	}
	for name, p := range checks {
		handler.WithReadinessCheck(name, p)
	}
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	// Let in-flight notifications reach the producer before it closes.
	dispatcher.Wait()

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
