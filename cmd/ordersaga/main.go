package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"ordersaga/api"
	"ordersaga/application/participants/inventory"
	"ordersaga/application/participants/notification"
	"ordersaga/application/participants/payment"
	"ordersaga/application/saga"
	"ordersaga/application/usecases"
	"ordersaga/config"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/outbox"
	"ordersaga/infrastructure/repository"
	"ordersaga/infrastructure/sagastore"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("starting order saga service")

	db := connectPostgres(cfg.DatabaseURL, logger)
	defer db.Close()

	redisClient := connectRedis(cfg.RedisURL, logger)
	defer redisClient.Close()

	bus := messaging.NewBus(cfg.RabbitMQURL, logger)
	for attempt := 1; ; attempt++ {
		if err := bus.Connect(); err == nil {
			break
		} else if attempt >= 10 {
			logger.Fatal("failed to connect to rabbitmq after 10 attempts", zap.Error(err))
		} else {
			logger.Warn("rabbitmq connect attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(2 * time.Second)
		}
	}
	defer bus.Close()

	guard := idempotency.NewGuard(redisClient, cfg.IdempotencyTTL)
	store := sagastore.NewStore(redisClient, cfg.SagaStateTTL, logger)
	ob := outbox.NewOutbox()
	orderRepo := repository.NewOrderRepository(db)
	inventoryRepo := repository.NewInventoryRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	createOrderUC := usecases.NewCreateOrderUseCase(db, orderRepo, ob)

	relay := outbox.NewRelay(db, bus, logger,
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithBackoffBase(cfg.OutboxBackoffBase),
	)

	orchestrator := saga.NewOrchestrator(store, bus, guard, orderRepo, logger, cfg.SagaTimeout, cfg.PostTerminalTTL)
	inventorySvc := inventory.NewService(inventoryRepo, guard, bus, logger, cfg.OptimisticLockMaxRetries)
	paymentSvc := payment.NewService(paymentRepo, guard, bus, &payment.MockGateway{}, logger)
	notificationSvc := notification.NewService(guard, bus, &notification.MockSender{Log: logger}, logger)

	if err := orchestrator.Start(); err != nil {
		logger.Fatal("failed to start saga orchestrator", zap.Error(err))
	}
	if err := inventorySvc.Start(); err != nil {
		logger.Fatal("failed to start inventory participant", zap.Error(err))
	}
	if err := paymentSvc.Start(); err != nil {
		logger.Fatal("failed to start payment participant", zap.Error(err))
	}
	if err := notificationSvc.Start(); err != nil {
		logger.Fatal("failed to start notification participant", zap.Error(err))
	}
	logger.Info("saga orchestrator and participants started")

	orderHandler := api.NewOrderHandler(createOrderUC, orderRepo, store)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.HealthCheck)
	mux.HandleFunc("/orders", orderHandler.CreateOrder)
	mux.HandleFunc("/orders/", orderHandler.GetOrderHistory)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("starting outbox relay")
		if err := relay.Start(ctx); err != nil {
			logger.Error("outbox relay stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("starting http server", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	cancel()
	logger.Info("shutdown complete")
}

func connectPostgres(dsn string, logger *zap.Logger) *sql.DB {
	var db *sql.DB
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			logger.Info("connected to postgres")
			return db
		}
		logger.Warn("postgres connect attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if db != nil {
			db.Close()
		}
		time.Sleep(2 * time.Second)
	}
	logger.Fatal("failed to connect to postgres after 10 attempts", zap.Error(err))
	return nil
}

func connectRedis(url string, logger *zap.Logger) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	logger.Info("connected to redis")
	return client
}
