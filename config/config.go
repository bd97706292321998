// Package config loads runtime configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv   string
	LogLevel string

	Server    ServerConfig
	Store     StoreConfig
	External  ExternalConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	// Driver selects the backend: memory, sqlite, or postgres.
	Driver      string
	SQLitePath  string
	PostgresDSN string
	PGMaxConns  int32
	PGMinConns  int32
}

type ExternalConfig struct {
	DirectoryBaseURL string
	NotifyBaseURL    string
}

type ReconcileConfig struct {
	// CronSpec schedules the sweep; empty disables it.
	CronSpec string
	// TokenWindow is how long settlement idempotency records are kept.
	TokenWindow time.Duration
}

// Load reads configuration from the environment. A missing .env file
// is not an error; deployed environments inject variables directly.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	viper.AutomaticEnv()

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	viper.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	viper.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	viper.SetDefault("STORE_DRIVER", "sqlite")
	viper.SetDefault("SQLITE_PATH", "./data/rewards.db")
	viper.SetDefault("PG_MAX_CONNS", 10)
	viper.SetDefault("PG_MIN_CONNS", 2)
	viper.SetDefault("RECONCILE_CRON", "0 3 * * *")
	viper.SetDefault("TOKEN_WINDOW", 24*time.Hour)

	var cfg Config

	cfg.AppEnv = viper.GetString("APP_ENV")
	cfg.LogLevel = viper.GetString("LOG_LEVEL")

	cfg.Server.Port = viper.GetString("SERVER_PORT")
	cfg.Server.ReadTimeout = viper.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = viper.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.ShutdownTimeout = viper.GetDuration("SERVER_SHUTDOWN_TIMEOUT")

	cfg.Store.Driver = viper.GetString("STORE_DRIVER")
	cfg.Store.SQLitePath = viper.GetString("SQLITE_PATH")
	cfg.Store.PostgresDSN = viper.GetString("POSTGRES_DSN")
	cfg.Store.PGMaxConns = viper.GetInt32("PG_MAX_CONNS")
	cfg.Store.PGMinConns = viper.GetInt32("PG_MIN_CONNS")

	cfg.External.DirectoryBaseURL = viper.GetString("DIRECTORY_BASE_URL")
	cfg.External.NotifyBaseURL = viper.GetString("NOTIFY_BASE_URL")

	cfg.Reconcile.CronSpec = viper.GetString("RECONCILE_CRON")
	cfg.Reconcile.TokenWindow = viper.GetDuration("TOKEN_WINDOW")

	return &cfg, nil
}
