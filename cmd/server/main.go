/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the driver rewards engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, optional .env)
  2. Configure zerolog
  3. Open the selected store backend (memory/sqlite/postgres)
  4. Wire the settlement service, reporting, and external clients
  5. Start the reconciliation schedule
  6. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (configurable timeout)
  3. Stop the reconciliation scheduler
  4. Close the store
  5. Exit

SEE ALSO:
  - config/config.go: Environment variables and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/driver-rewards/api"
	"github.com/warp/driver-rewards/config"
	"github.com/warp/driver-rewards/extern"
	"github.com/warp/driver-rewards/ledger"
	"github.com/warp/driver-rewards/purchase"
	"github.com/warp/driver-rewards/reconcile"
	"github.com/warp/driver-rewards/reporting"
	"github.com/warp/driver-rewards/store/memory"
	"github.com/warp/driver-rewards/store/postgres"
	"github.com/warp/driver-rewards/store/sqlite"
)

// backend is what every store implementation provides.
type backend interface {
	ledger.Store
	purchase.Store
	purchase.Atomic
	purchase.TokenStore
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := newLogger(cfg)

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer store.Close()

	settlement := purchase.NewSettlementService(store, store, log)
	settlement.Atomic = store
	settlement.Tokens = store

	var directory *extern.DirectoryClient
	if cfg.External.DirectoryBaseURL != "" {
		directory = extern.NewDirectoryClient(cfg.External.DirectoryBaseURL, log)
		settlement.Directory = directory
	}
	if cfg.External.NotifyBaseURL != "" {
		settlement.Notifier = extern.NewEmailNotifier(cfg.External.NotifyBaseURL, log)
	}

	sweeper := reconcile.NewSweeper(store, store, store, cfg.Reconcile.TokenWindow, log)
	scheduler := reconcile.NewScheduler(sweeper, log)
	if err := scheduler.Start(cfg.Reconcile.CronSpec); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Reconcile.CronSpec).Msg("bad reconciliation schedule")
	}
	defer scheduler.Stop()

	handler := &api.Handler{
		Ledger:     settlement.Ledger,
		Balances:   settlement.Balances,
		Purchases:  store,
		Settlement: settlement,
		Reports:    reporting.NewService(store, store),
		Directory:  directory,
		Sweeper:    sweeper,
		Log:        log,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("store", cfg.Store.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.AppEnv == "development" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func openStore(cfg *config.Config, log zerolog.Logger) (backend, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
		return memory.New(), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Store.PostgresDSN,
			MaxConns:        cfg.Store.PGMaxConns,
			MinConns:        cfg.Store.PGMinConns,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		})
	default:
		return sqlite.New(cfg.Store.SQLitePath)
	}
}
