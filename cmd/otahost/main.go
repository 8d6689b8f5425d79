// Package main implements otahost, the OTA layer host process. It runs
// the session bundle loader, the component registry, and the local
// control surface together as one service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/Velora-App/ota_layer/internal/app"
	"github.com/Velora-App/ota_layer/internal/app/httpapi"
	"github.com/Velora-App/ota_layer/internal/app/storage"
	"github.com/Velora-App/ota_layer/internal/app/storage/file"
	"github.com/Velora-App/ota_layer/internal/app/storage/postgres"
	"github.com/Velora-App/ota_layer/internal/app/storage/redis"
	"github.com/Velora-App/ota_layer/internal/app/storage/sqlite"
	"github.com/Velora-App/ota_layer/internal/config"
	_ "github.com/Velora-App/ota_layer/internal/plugin/builtin"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults to config/ota.yaml)")
	envFile := flag.String("env", "", "Optional .env file with OTA_* overrides")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "otahost: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging).Named("otahost")
	log.WithField("backend", cfg.Storage.Backend).Info("starting OTA host")

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage backend %s: %w", cfg.Storage.Backend, err)
	}
	defer closeStore()

	application, err := app.New(cfg, app.Stores{KV: store}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	handler := httpapi.NewHandler(application, httpapi.Options{
		RatePerSecond:  cfg.Server.RatePerSecond,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log.Named("httpapi"))
	if err := application.Attach(httpapi.NewServer(cfg.Server.Addr, handler, log.Named("http-server"))); err != nil {
		return fmt.Errorf("attach http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	application.Seed(ctx, cfg)
	log.WithField("addr", cfg.Server.Addr).Info("OTA host running")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop application: %w", err)
	}
	log.Info("OTA host stopped")
	return nil
}

// openStore builds the configured KV backend. The returned closer is safe
// to call exactly once after the application has stopped.
func openStore(cfg *config.Config) (storage.KV, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.NewMemory(), noop, nil
	case "file":
		s, err := file.New(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		s := postgres.New(db)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := redis.Open(ctx, cfg.Storage.Addr, cfg.Storage.Password, cfg.Storage.DB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
