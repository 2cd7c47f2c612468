// Package main provides the HTTP control server for manuscript.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/config"
	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/retry"
	"github.com/raphaelgruber/manuscript/internal/server"
	"github.com/raphaelgruber/manuscript/internal/service"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg := config.Load()

	// Dual output: stderr text + file JSON
	logger, cleanup := config.SetupLogger(cfg, "manuscript-server")
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	logger.Info("manuscript-server starting",
		"version", version,
		"port", cfg.ServerPort,
		"surrealdb_url", cfg.SurrealDBURL,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
		"artifact_backend", cfg.ArtifactBackend,
	)

	if err := run(cfg, logger, *wipeDB); err != nil {
		logger.Error("server failed", "error", err)
		_ = cleanup()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *slog.Logger, wipe bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	if wipe || os.Getenv("MANUSCRIPT_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}
	if err := dbClient.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	collector := metrics.NewCollector()
	invoker := retry.New(retry.Config{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		AttemptTimeout: cfg.RetryAttemptTimeout,
	}, logger, retry.WithMetrics(collector))

	model, err := llm.NewModel(ctx, cfg, collector)
	if err != nil {
		return fmt.Errorf("init model: %w", err)
	}

	store, err := openArtifactStore(cfg, invoker)
	if err != nil {
		return err
	}

	orch := service.NewOrchestrator(dbClient, store, model, invoker, service.Options{
		RepoOwner: cfg.RepoOwner,
		Logger:    logger,
	})

	if recovered, err := orch.RecoverInterrupted(ctx, cfg.AutoResume); err != nil {
		logger.Warn("failed to recover interrupted jobs", "error", err)
	} else if len(recovered) > 0 {
		logger.Info("interrupted jobs found", "jobs", recovered, "auto_resume", cfg.AutoResume)
	}

	api := server.New(orch, server.Options{
		Logger:  logger,
		Metrics: collector,
		Health:  dbClient,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute, // start runs repository setup before answering
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control API available", "url", fmt.Sprintf("http://localhost:%s/jobs", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	// Graceful shutdown: stop accepting requests, then let running jobs
	// reach a step boundary. Jobs still running at the deadline are marked
	// interrupted on the next start.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", "error", err)
	}
	return nil
}

// openArtifactStore builds the configured backend. Remote backends are
// wrapped so transient failures are retried.
func openArtifactStore(cfg config.Config, invoker *retry.Invoker) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case config.BackendGit:
		return artifact.NewResilientStore(artifact.NewGitStore(cfg.ArtifactDir), invoker), nil
	case config.BackendGitHub:
		gh, err := artifact.NewGitHubStore(cfg.GitHubToken, cfg.GitHubAPIURL)
		if err != nil {
			return nil, fmt.Errorf("init github store: %w", err)
		}
		return artifact.NewResilientStore(gh, invoker), nil
	case config.BackendMemory:
		return artifact.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}
