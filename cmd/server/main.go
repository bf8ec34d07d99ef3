/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the recurring-transaction engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize SQLite store (migrations applied on open)
  3. Build the engine with the configured lock backend and notifier
  4. Start the materialization scheduler (runs once immediately)
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close broker, lock pool and database connections

ENVIRONMENT:
  See config/config.go for every key and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Materialization job
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/recurrence-engine/api"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/notify"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/pglock"
	"github.com/warp/recurrence-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer store.Close()

	engine := recurrence.NewEngine(store, recurrence.EngineConfig{
		HorizonMonths: cfg.HorizonMonths,
		MaxPerRun:     cfg.MaterializeMaxPerRun,
		LockTimeout:   cfg.LockTimeout,
		RetryBackoff:  cfg.RetryBackoff,
	})

	if cfg.LockBackend == config.LockBackendPostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		locker, err := pglock.New(ctx, cfg.PostgresURL, cfg.LockTimeout)
		cancel()
		if err != nil {
			logger.Error("Failed to initialize postgres lock", "error", err)
			os.Exit(1)
		}
		defer locker.Close()
		engine.Locker = locker
		logger.Info("Using postgres advisory locks")
	}

	if cfg.AMQPURL != "" {
		notifier, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, logger)
		if err != nil {
			logger.Warn("Failed to initialize AMQP notifier, continuing without change events", "error", err)
		} else {
			defer notifier.Close()
			engine.Notifier = notifier
			logger.Info("AMQP notifier initialized", "exchange", cfg.AMQPExchange)
		}
	}

	scheduler := api.NewMaterializationScheduler(store, engine, logger)
	scheduler.Interval = cfg.MaterializeInterval
	scheduler.Timeout = cfg.MaterializeTimeout
	scheduler.Concurrency = cfg.MaterializeConcurrency
	scheduler.Start()

	handler := api.NewHandler(engine, scheduler, logger)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORSOrigins})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", "addr", server.Addr, "horizon_months", cfg.HorizonMonths)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	scheduler.Stop()

	logger.Info("Server stopped")
}
