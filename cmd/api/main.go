package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/api"
	"github.com/acme/masked-call/internal/api/handlers"
	"github.com/acme/masked-call/internal/app"
	"github.com/acme/masked-call/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	lg := container.Logger.Logger
	cfg := container.Config
	lg.Info("container built", zap.String("config", *configPath), zap.String("env", cfg.App.Env))

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App)
	if err != nil {
		lg.Fatal("telemetry setup failed", zap.Error(err))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Warn("kafka topics not ensured, lifecycle events may be dropped", zap.Error(err))
	}

	services := container.Services()
	if services.Monitor != nil {
		go func() {
			if err := services.Monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("health monitor stopped", zap.Error(err))
			}
		}()
	}

	deps := handlers.Dependencies{
		Calls:          services.Orchestrator,
		Webhooks:       services.Webhooks,
		Pingers:        container.Pingers(),
		WebhookBaseURL: cfg.Webhook.BaseURL,
		Logger:         lg.Named("http"),
	}
	if services.Monitor != nil {
		deps.Health = services.Monitor
	}
	handlerSet := handlers.NewHandlerSet(deps)
	server := api.NewServer(cfg.HTTP, cfg.App.Name, handlerSet)

	lg.Info("starting server", zap.Int("port", cfg.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		lg.Error("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
