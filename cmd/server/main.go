package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/directory"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/httpapi"
	"github.com/example/delivery-dispatch/internal/jobs"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/orchestrator"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/realtime"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
	}
	dir := directory.New(index)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	hub := realtime.NewHub(logger)

	svc := orchestrator.New(store, dir, hub, orchestrator.Config{
		RadiusKm:          cfg.AssignRadiusKm,
		MaxAssignAttempts: cfg.MaxAssignAttempts,
		SpeedKmh:          cfg.DefaultSpeedKmh,
		BaseFee:           cfg.BaseFee,
		PerKmFee:          cfg.PerKmFee,
		Currency:          cfg.Currency,
	}, logger)

	if len(cfg.KafkaBrokers) > 0 {
		eventsOut := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		locationsOut := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer eventsOut.Close()
		defer locationsOut.Close()
		svc.WithEventSink(eventsOut).WithLocationStream(locationsOut)
	}
	if cfg.StripeAPIKey != "" {
		svc.WithPayments(payments.NewStripeProcessor(cfg.StripeAPIKey))
	}

	if cfg.SweepSchedule != "" {
		sweep := jobs.NewAssignmentSweep(svc, cfg.SweepSchedule, logger)
		if err := sweep.Start(); err != nil {
			logger.Error("sweep start failed", "error", err)
			os.Exit(1)
		}
		defer sweep.Stop()
	}

	api := httpapi.NewServer(svc, hub, cfg.JWTSecret, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("delivery-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_tables.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
