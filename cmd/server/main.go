package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable ride store: Postgres when configured, in-memory otherwise.
	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres ride store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory ride store")
	}

	// Expiring-offer store: Redis when configured, in-memory otherwise.
	var ks offers.KeyStore
	var redisPing func(context.Context) error
	if cfg.RedisAddr != "" {
		rs := offers.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, logger)
		ks = rs
		redisPing = rs.Ping
		logger.Info("using redis offer store", "addr", cfg.RedisAddr)
	} else {
		ks = offers.NewMemory()
		logger.Warn("REDIS_ADDR not set, using in-memory offer store")
	}
	offerStore := offers.NewStore(ks)

	var bus events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = kp.Close() }()
		bus = kp
		logger.Info("publishing ride events to kafka", "topic", cfg.KafkaTopic)
	} else {
		bus = &events.LogPublisher{Logger: logger}
		logger.Warn("KAFKA_BROKERS not set, events go to the log only")
	}

	wsReg := notify.NewWSRegistry(logging.WithComponent(logger, "ws"))

	svc := ride.NewService(store, offerStore, bus, logger)
	svc.OfferTTL = cfg.OfferTTL
	svc.MaxReassignAttempts = cfg.MaxReassignAttempts
	svc.SearchRadiusKm = cfg.SearchRadiusKm
	svc.Notify = notify.NewPushNotifier(cfg.NotifyPushEndpoint, wsReg)
	if cfg.PricingURL != "" {
		svc.Pricing = pricing.NewHTTPEstimator(cfg.PricingURL, cfg.PricingTimeout)
	}

	go func() {
		if err := svc.RunExpiryLoop(ctx); err != nil && ctx.Err() == nil {
			logger.Error("expiry loop stopped", "error", err)
		}
	}()
	go svc.RunReconciliation(ctx, cfg.ReconcileInterval)

	api := httpapi.NewServer(svc, wsReg, cfg.InternalServiceToken, logging.WithComponent(logger, "http"))
	if redisPing != nil {
		api.Ready = redisPing
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
