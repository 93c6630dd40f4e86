package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweater-ventures/courier/api"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/config"
	"github.com/sweater-ventures/courier/middleware"
)

func main() {
	config.InitLogging()
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Unable to load configuration!!!", err)
	}

	application, err := app.NewApp(appConfig)
	if err != nil {
		log.Fatal("Unable to initialize application", err)
	}
	defer application.Close()

	slog.Debug("Configuration",
		"DevMode", appConfig.DevMode,
		"LogLevel", appConfig.LogLevel,
		"PushPolicy", appConfig.PushPolicy,
		"TunnelProviders", appConfig.TunnelProviders,
	)

	router := http.NewServeMux()
	api.AddApis(application, router)
	router.Handle("GET /ws", application.Relay)
	router.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", appConfig.Port),
		Handler: middleware.AllStandardMiddleware(middleware.APIKeyAuthMiddleware(application)(router)),
	}

	srv.RegisterOnShutdown(application.Feed.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.Start(ctx)

	go func() {
		slog.Info("Starting Courier", "port", appConfig.Port, "version", config.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the
	// relay closes them in application.Close. Feed streams end through the
	// shutdown hook.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
