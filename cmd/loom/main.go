// Loom runtime server — accepts runs over HTTP, executes them through the
// agent loop, and streams their event logs.
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

	"github.com/joho/godotenv"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/checkpoint"
	"github.com/loomworks/loom/pkg/cleanup"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/masking"
	"github.com/loomworks/loom/pkg/memory"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/queue"
	"github.com/loomworks/loom/pkg/retry"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/swarm"
	"github.com/loomworks/loom/pkg/tools"
	"github.com/loomworks/loom/pkg/version"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("No .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	slog.Info("Starting loom",
		"version", version.Full(),
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"llm_provider", cfg.LLM.Provider,
		"storage", storageKind(cfg))

	ctx := context.Background()

	// 1. Run repository: Postgres when configured, in-memory otherwise.
	var repo storage.RunRepository
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
		repo = pg
	} else {
		repo = storage.NewMemoryRepository()
	}

	// 2. Durable stores and the event pipeline.
	eventStore := eventlog.NewStore(cfg.DataDir)
	checkpoints := checkpoint.NewStore(cfg.DataDir)
	broadcaster := events.NewSSEBroadcaster(0, 0)
	publisher := events.NewPublisher(eventStore, broadcaster, cfg.Events.PersistLLMTokens)

	// 3. Tool router, builtin tools, and the optional MCP source.
	router := tools.NewRouter(publisher, cfg.Tools.CallTimeout)
	router.SetMasker(masking.NewMasker())
	scheduler := tools.NewScheduler(router, 0)

	runQueue := queue.NewRunQueue(repo, publisher, cfg.DataDir, cfg.Queue.MaxSize, cfg.Queue.RunTimeout)
	coordinator := swarm.NewCoordinator(repo, checkpoints, runQueue)

	memoryStore := memory.NewStore()
	memoryTools := memory.ToolAdapter{Service: memoryStore}
	if err := tools.RegisterBuiltins(router, coordinator, memoryTools, memoryTools); err != nil {
		slog.Error("Failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	if cfg.Tools.MCPServerURL != "" {
		source := tools.NewExternalSource(router, cfg.Tools.MCPServerURL)
		if err := source.Sync(ctx); err != nil {
			// Lazy reconnect covers servers that come up later.
			slog.Warn("MCP server not reachable at startup", "error", err)
		}
		defer func() {
			if err := source.Close(); err != nil {
				slog.Error("Error closing MCP source", "error", err)
			}
		}()
	}

	// 4. LLM client and the agent runner.
	llmClient, err := newLLMClient(cfg)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}

	runner := agent.NewRunner(llmClient, router, scheduler, checkpoints, publisher, memoryTools,
		retry.DefaultPolicy(), agent.Config{MaxSteps: cfg.Agent.MaxSteps, Skills: cfg.Agent.Skills})

	// 5. Bind the queue to the runner and the swarm coordinator, then replay
	// the queue file from a previous process.
	runQueue.SetExecutor(runner.Execute)
	runQueue.SetTerminalHook(func(runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) {
		if err := coordinator.OnChildTerminal(context.Background(), runID, status, result, errInfo); err != nil {
			slog.Error("Fan-in notification failed", "run_id", runID, "error", err)
		}
	})

	restored, err := runQueue.Restore()
	if err != nil {
		slog.Warn("Queue file not restored", "error", err)
	} else if restored > 0 {
		slog.Info("Restored pending runs", "count", restored)
	}
	runQueue.ProcessQueue()

	retention := cleanup.NewService(cfg.DataDir, cleanup.Config{TTL: cfg.Retention.TTL})
	retention.Start(ctx)
	defer retention.Stop()

	// 6. HTTP server.
	server := api.NewServer(repo, runQueue, coordinator, eventStore, broadcaster, publisher,
		cfg.Agent.DefaultAgentID)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 7. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting requests, then close the streams.
	// In-flight runs are re-enqueued from the queue file on next start.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	broadcaster.Shutdown()

	slog.Info("Shutdown complete")
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(cfg.LLM.APIKey(), cfg.LLM.Model)
	default:
		return llm.NewOpenAIClient(cfg.LLM.APIKey(), cfg.LLM.Model)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
