package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rayneo/liveai-proxy/internal/config"
	"github.com/rayneo/liveai-proxy/internal/gate"
	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/live"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/pool"
	"github.com/rayneo/liveai-proxy/internal/registry"
	"github.com/rayneo/liveai-proxy/internal/tooling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("🚀 starting liveai proxy",
		slog.String("port", cfg.Port),
		slog.Bool("vertex", cfg.UseVertex),
		slog.String("model", cfg.Model))

	clientFactory := func(ctx context.Context) (genai.Client, error) {
		return genai.NewClient(ctx, genai.Options{
			UseVertex:             cfg.UseVertex,
			ProjectID:             cfg.ProjectID,
			Location:              cfg.VertexLocation,
			ServiceAccountKeyPath: cfg.ServiceAccountKeyPath,
			APIKey:                cfg.GoogleAPIKey,
			Model:                 cfg.Model,
		}, log)
	}

	warmupPool := pool.New(pool.Options{
		Capacity:            cfg.PoolCapacity,
		WorkerParallelism:   cfg.PoolWorkerParallelism,
		CreationConcurrency: cfg.PoolCreationConcurrency,
		BatchSize:           cfg.PoolBatchSize,
		KeepAliveInterval:   cfg.PoolKeepAliveInterval,
	}, clientFactory, log)

	if cfg.PoolWarmupOnStartup {
		go warmupPool.Warmup(context.Background())
	}

	abuseGate := gate.New(log)
	sessionRegistry := registry.New(log)
	tools := tooling.NewRegistry()

	handler := live.NewHandler(cfg, log, abuseGate, sessionRegistry, warmupPool, tools)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthy", handler.Healthy)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.NoRoute(handler.Fallback)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("🛑 shutting down server...")

	warmupPool.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("✅ server exited")
}
