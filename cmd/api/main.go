package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/api"
	"github.com/gsheet-analysis/dashboard/internal/api/handlers"
	"github.com/gsheet-analysis/dashboard/internal/assets"
	"github.com/gsheet-analysis/dashboard/internal/cache/redis"
	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/internal/gallery"
	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/remote"
	"github.com/gsheet-analysis/dashboard/internal/storage/sqlite"
	"github.com/gsheet-analysis/dashboard/pkg/config"
	appLogger "github.com/gsheet-analysis/dashboard/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting dashboard gateway")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err = sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	health := map[string]handlers.Pinger{"sqlite": sqliteClient}

	var assetStore assets.Store = sqliteClient
	if cfg.Assets.Store == "redis" {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		assetStore = redisClient
		health["redis"] = redisClient
	}

	fetchTimeout := time.Duration(cfg.Assets.FetchTimeoutSec) * time.Second
	assetManager := assets.NewManager(assetStore, &http.Client{Timeout: fetchTimeout}, assets.Config{
		URLs:           cfg.Assets.URLs,
		Pins:           cfg.Assets.Pins(),
		FetchTimeout:   fetchTimeout,
		MaxConcurrency: cfg.Assets.MaxConcurrency,
	})
	if cfg.Assets.WarmOnStart {
		go func() {
			if err := assetManager.EnsureCached(ctx, assetManager.Libraries()); err != nil {
				appLogger.Warn("Failed to warm library cache", zap.Error(err))
			}
		}()
	}

	remoteClient := remote.NewClient(remote.Config{
		BaseURL:     cfg.Remote.BaseURL,
		Timeout:     time.Duration(cfg.Remote.TimeoutSec) * time.Second,
		MaxAttempts: cfg.Remote.MaxAttempts,
	})

	notificationTTL := time.Duration(cfg.Render.NotificationTTLSec) * time.Second
	sessions := dashboard.NewSessions(dashboard.SessionsConfig{
		API:             remoteClient,
		Users:           remoteClient,
		Mirror:          sqliteClient,
		NotificationTTL: notificationTTL,
	})
	defer sessions.Close()

	galleries := gallery.NewManager(ctx, gallery.Config{
		Loader:          assetManager,
		Libraries:       assetManager.Libraries(),
		Threshold:       cfg.Render.VisibilityThreshold,
		NotificationTTL: notificationTTL,
	})

	app, stop := api.NewApp(api.Deps{
		Server:    cfg.Server,
		Render:    cfg.Render,
		RateLimit: cfg.RateLimit,
		Sessions:  sessions,
		Galleries: galleries,
		Health:    health,
		Title:     "Dashboards",
		AccessLog: true,
	})
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
