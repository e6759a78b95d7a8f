package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/config"
	"github.com/flowmentor/chat-gateway/internal/llm"
	"github.com/flowmentor/chat-gateway/internal/mcp"
	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/flowmentor/chat-gateway/internal/resilience"
	"github.com/flowmentor/chat-gateway/internal/server"
	"github.com/flowmentor/chat-gateway/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := observability.GetLogger()
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.LLMModel).
		Bool("mcp_enabled", cfg.MCPEnabled).
		Msg("Starting chat gateway")

	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	conn := mcp.NewConnection(mcp.ConnectionConfig{
		Command:      cfg.MCPCommandArgs(),
		CallTimeout:  time.Duration(cfg.MCPCallTimeout) * time.Second,
		StartupGrace: time.Duration(cfg.MCPStartupGrace) * time.Millisecond,
	}, logger)

	if cfg.MCPEnabled {
		err := resilience.Reconnect(context.Background(), conn.Start, &resilience.ReconnectConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			Backoff:     time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		}, logger)
		if err != nil {
			// Degraded but serviceable: the catalog falls back to its
			// embedded tool definitions and the connection retries on
			// the first call.
			logger.Error().Err(err).Msg("Tool server failed to start, continuing without it")
		}
		defer conn.Stop()
	}

	catalog := mcp.NewCatalog(conn, logger)

	llmClient := llm.NewClient(llm.ClientConfig{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: time.Duration(cfg.LLMTimeout) * time.Second,
	}, logger)

	executor := agent.NewExecutor(conn, agent.ExecutorConfig{
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}, logger)
	orch := agent.NewOrchestrator(agent.WrapClient(llmClient), catalog, executor, agent.OrchestratorConfig{
		MaxIterations: cfg.MaxToolIterations,
		ChunkSize:     cfg.StreamChunkSize,
		ToolsEnabled:  cfg.MCPEnabled,
	}, logger)

	memory := agent.NewMemory(agent.MemoryConfig{
		MaxMessages:    cfg.MemoryMaxMessages,
		SummarizeAfter: cfg.SummarizeAfter,
		IncludeSummary: cfg.IncludeSummary,
	}, st, logger)

	checks := map[string]observability.HealthCheckFunc{
		"database": func(ctx context.Context) (bool, error) {
			return true, st.Ping(ctx)
		},
	}
	if cfg.MCPEnabled {
		checks["tool_server"] = func(ctx context.Context) (bool, error) {
			return conn.IsRunning(), nil
		}
	}

	srv := server.New(cfg, st, orch, agent.NewPromptBuilder(), memory, checks, logger)
	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}

	logger.Info().Msg("Chat gateway stopped")
}
