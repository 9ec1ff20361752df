package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/supermarket/internal/adapter/handler"
	"github.com/rl1809/supermarket/internal/adapter/metrics"
	"github.com/rl1809/supermarket/internal/adapter/storage"
	"github.com/rl1809/supermarket/internal/config"
	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/core/service"
	"github.com/rl1809/supermarket/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	if cfg.MySQL.AutoMigrate {
		if err := migrateUp(cfg.MySQL.DSN(), zl); err != nil {
			return err
		}
	}
	db, err := sqlx.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	zl.Info("connected to mysql", zap.String("host", cfg.MySQL.Host), zap.String("database", cfg.MySQL.Database))

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL)
	if err := redisAdapter.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	zl.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize MongoDB
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	defer connectCancel()
	mc, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		_ = mc.Disconnect(dctx)
	}()
	tickets := storage.NewMongoTicketStore(mc, cfg.Mongo.Database, cfg.Mongo.Collection)
	if err := tickets.Ping(connectCtx); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	if err := tickets.EnsureIndexes(connectCtx); err != nil {
		return err
	}
	zl.Info("connected to mongo", zap.String("database", cfg.Mongo.Database))

	// Initialize adapters and services
	prom := metrics.NewPrometheus()
	ledgerRepo := storage.NewMySQLLedger(db)
	outboxRepo := storage.NewMySQLOutbox(db)
	guarded := storage.NewBreakerTicketStore(tickets, storage.BreakerConfig{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		Interval:            cfg.Breaker.Interval,
	}, zl.Named("breaker"))

	ledger := service.NewLedgerService(ledgerRepo, zl.Named("ledger"))
	checkout := service.NewCheckoutService(ledgerRepo, ledger, redisAdapter, prom, cfg.Checkout.DefaultTaxRate, zl.Named("checkout"))
	relay := service.NewRelayService(outboxRepo, guarded, relayConfig(cfg.Relay), prom, zl.Named("relay"))

	health := service.NewHealthService(0, zl.Named("health"))
	health.Register("mysql", db.PingContext)
	health.Register("redis", redisAdapter.Ping)
	health.Register("mongo", tickets.Ping)
	health.Register("ticket_breaker", guarded.Check)

	if cfg.Relay.Enabled {
		if err := relay.Start(ctx); err != nil {
			return err
		}
		health.Register("relay", service.RelayWorkerCheck(relay))
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLogger(zl.Named("grpc"))))
	grpcHealth := handler.RegisterGRPCServer(grpcServer, handler.NewGRPCHandler(relay, zl.Named("grpc")))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(checkout, ledger, relay, health, []byte(cfg.JWT.Secret), zl.Named("http"))
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpHandler.Router(prom.Handler()),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	zl.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	zl.Info("gRPC server stopped")

	// In-flight deliveries still settle; see RelayService.settle.
	if err := relay.Stop(shutdownCtx); err != nil {
		zl.Warn("relay did not stop in time", zap.Error(err))
	}
	return nil
}

// migrateUp runs on its own connection because the migrate driver closes the
// handle it is given.
func migrateUp(dsn string, zl *zap.Logger) error {
	mdb, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open mysql for migrations: %w", err)
	}
	m, err := storage.NewMigrator(mdb, zl.Named("migrate"))
	if err != nil {
		mdb.Close()
		return err
	}
	defer m.Close()
	return m.Up()
}

func relayConfig(c config.RelayConfig) service.RelayConfig {
	return service.RelayConfig{
		PollInterval:     c.PollInterval,
		BatchSize:        c.BatchSize,
		Workers:          c.Workers,
		DeliveryTimeout:  c.DeliveryTimeout,
		SettleTimeout:    c.SettleTimeout,
		ClaimTimeout:     c.ClaimTimeout,
		CleanupRetention: c.CleanupRetention,
		CleanupInterval:  c.CleanupInterval,
		Retry: domain.RetryPolicy{
			MaxRetries:  c.MaxRetries,
			BaseBackoff: c.BaseBackoff,
			MaxBackoff:  c.MaxBackoff,
		},
	}
}
