// scribed orchestrates audio inference: it runs the job queue worker, the
// stuck-job health monitor, the live streaming hub, and the HTTP/WebSocket
// API over a single SQLite store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scribehub/scribed/pkg/api"
	"github.com/scribehub/scribed/pkg/config"
	"github.com/scribehub/scribed/pkg/database"
	"github.com/scribehub/scribed/pkg/events"
	"github.com/scribehub/scribed/pkg/provider"
	"github.com/scribehub/scribed/pkg/queue"
	"github.com/scribehub/scribed/pkg/services"
	"github.com/scribehub/scribed/pkg/stream"
	"github.com/scribehub/scribed/pkg/stt"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	slog.Info("Starting scribed", "http_port", cfg.HTTPPort, "db_path", cfg.DatabasePath)

	dbConfig := database.DefaultConfig()
	dbConfig.Path = cfg.DatabasePath
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	jobService := services.NewJobService(dbClient)
	submissionService := services.NewSubmissionService(dbClient)
	chunkService := services.NewChunkService(dbClient)
	slog.Info("Services initialized")

	resolver := provider.NewResolver()
	resolver.Register(provider.NewLocal(cfg.Provider))
	slog.Info("Providers registered", "providers", resolver.Names())

	bus := events.NewBus(jobService, 10*time.Second)

	hub := stream.NewHub(stream.HubConfig{
		MaxViewers:          cfg.Stream.MaxViewers,
		MinWordsForAnalysis: cfg.Stream.MinWordsForAnalysis,
		UtteranceEndMs:      cfg.Stream.UtteranceEndMs,
		SampleRateHz:        cfg.Stream.SampleRateHz,
		StatusDebounce:      cfg.Stream.StatusDebounce,
		STTModel:            cfg.Provider.STTModel,
		Provider:            "local",
		UploadsDir:          cfg.UploadsDir,
	}, submissionService, chunkService, jobService, bus, stt.NewWebsocketDialer(cfg.Provider.STTStreamURL))

	monitor := queue.NewHealthMonitor(cfg.Queue, jobService, submissionService, bus)
	if err := monitor.RecoverStartupOrphans(ctx); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
	}

	processor := queue.NewProcessor(cfg.Queue, jobService, submissionService, resolver, bus, hub)
	processor.Start()
	monitor.Start()

	httpServer := api.NewServer(cfg, dbClient, submissionService, jobService, chunkService, bus, hub, processor)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	hub.Shutdown(shutdownCtx)
	monitor.Stop()

	if err := processor.Stop(); err != nil {
		slog.Warn("Worker did not drain cleanly", "error", err)
	}

	slog.Info("scribed stopped")
}
