package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/storefront/internal/adapter/handler"
	"github.com/rl1809/storefront/internal/adapter/messaging"
	"github.com/rl1809/storefront/internal/adapter/metrics"
	"github.com/rl1809/storefront/internal/adapter/observability"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/retry"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel, config.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.Setup(ctx, observability.TelemetryConfig{
		Endpoint:       cfg.OtelEndpoint,
		Insecure:       cfg.OtelInsecure,
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
	})
	if err != nil {
		baseLogger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	logger := observability.WithOTelBridge(baseLogger, telemetry.LoggerProvider, config.ServiceName)
	defer logger.Sync()

	m := metrics.New("storefront")

	// Store
	var (
		store port.Store
		db    *sql.DB
	)
	switch cfg.Store.Driver {
	case config.StoreMemory:
		store = storage.NewMemoryAdapter()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		db, err = sql.Open("mysql", cfg.Store.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate schema", zap.Error(err))
		}
		store = mysqlAdapter
		logger.Info("connected to mysql")
	}

	// Idempotency keys
	var (
		idempotency port.IdempotencyStore
		rdb         *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		idempotency = storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL)
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		idempotency = storage.NewMemoryIdempotency(cfg.Redis.IdempotencyTTL)
	}

	// Services
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
		OnRetry:     m.ObserveRetry,
	}
	ledger := service.NewStockLedger(store, policy, logger)
	reservations := service.NewReservationService(store, logger)
	carts := service.NewCartService(store, reservations, logger)
	orders := service.NewOrderService(store, ledger, reservations, idempotency, logger, cfg.Events.QueueSize)

	// Order events
	var publisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, config.ServiceName, telemetry.TracerProvider)
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		logger.Info("publishing order events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.OrderTopic))
	} else {
		publisher = messaging.NewLogPublisher(logger)
	}

	dispatcher := messaging.NewDispatcher(publisher, retry.DefaultPolicy(), m, logger, cfg.Events.Workers)
	dispatcher.Start(orders.GetEventQueue())
	logger.Info("started event workers", zap.Int("workers", cfg.Events.Workers))

	// gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryInterceptor(m, logger)))
	handler.RegisterStorefrontServer(grpcServer, handler.NewGRPCHandler(ledger, reservations, carts, orders, m, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(ledger, reservations, carts, orders, m, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: httpHandler.Routes(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// No request can emit events any more; drain what is queued.
	orders.Close()
	dispatcher.Wait()
	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close event publisher", zap.Error(err))
	}
	logger.Info("event workers stopped")

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		baseLogger.Warn("telemetry shutdown", zap.Error(err))
	}
	baseLogger.Info("connections closed")
}
