// agentplane control plane server: HTTP API, durable job queue, agent run
// engine and workflow orchestration over PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentplane/agentplane/pkg/agent"
	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/cleanup"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/database"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/statuschange"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/workflow"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting agentplane", "http_port", cfg.HTTPPort, "pod_id", cfg.PodID)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.Pool)

	// Wake fan-out: in-process hub fed by local publishes and the cross-pod
	// LISTEN connection.
	hub := events.NewHub()
	publisher := events.NewPublisher(hub, dbClient.Pool)
	listener := events.NewListener(dbClient.ConnString(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)

	reg := registry.New(st, cfg.Queue.MachineUpsertWindow)
	queueService := queue.NewService(st, reg, publisher, hub, *cfg.Queue, nil)
	dispatcher := statuschange.NewDispatcher(st, queueService, publisher, *cfg.Dispatch)

	llm, err := model.NewAnthropicFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), model.AnthropicOptions{
		ModelID:       os.Getenv("ANTHROPIC_MODEL"),
		ContextWindow: cfg.Agent.ModelContextWindow,
	})
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}

	engine := agent.NewEngine(st, reg, queueService, llm, dispatcher, publisher, *cfg.Agent, nil)
	// Terminal jobs belonging to runs wake the agent loop.
	queueService.SetWaker(engine)

	workflowService := workflow.NewService(st, queueService, publisher)

	// Jobs left running by a previous crash of this pod go back to pending.
	reaper := queue.NewReaper(queueService, cfg.Queue.ReaperInterval)
	if err := reaper.RecoverStartupOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned jobs", "error", err)
	}
	reaper.Start(ctx)

	cleanupService := cleanup.NewService(cfg.Retention, st)
	cleanupService.Start(ctx)

	server := api.NewServer(cfg, dbClient, st, reg, queueService, engine, workflowService, hub)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
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

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	reaper.Stop()
	cleanupService.Stop()

	// Let in-flight run steps finish; leases cover anything cut short.
	done := make(chan struct{})
	go func() {
		engine.Drain()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Agent engine drained")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, in-flight run steps will resume on next wake")
	}

	slog.Info("Shutdown complete")
}
