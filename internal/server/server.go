// Package server exposes the chat gateway's HTTP API: blocking and
// streaming chat, conversation management and usage reporting.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/config"
	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/flowmentor/chat-gateway/internal/store"
)

// Server wires the HTTP handlers to the orchestration core.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	orch    *agent.Orchestrator
	prompts *agent.PromptBuilder
	memory  *agent.Memory
	checks  map[string]observability.HealthCheckFunc
	logger  zerolog.Logger
}

// New creates the API server.
func New(cfg *config.Config, st *store.Store, orch *agent.Orchestrator, prompts *agent.PromptBuilder, memory *agent.Memory, checks map[string]observability.HealthCheckFunc, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		orch:    orch,
		prompts: prompts,
		memory:  memory,
		checks:  checks,
		logger:  logger.With().Str("component", "server").Logger(),
	}
}

// Routes builds the request multiplexer.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.requireUser(s.handleChat))
	mux.HandleFunc("POST /api/chat/stream", s.requireUser(s.handleChatStream))
	mux.HandleFunc("GET /api/chat/ws", s.requireUser(s.handleChatWS))

	mux.HandleFunc("GET /api/conversations", s.requireUser(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations", s.requireUser(s.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}", s.requireUser(s.handleGetConversation))
	mux.HandleFunc("PUT /api/conversations/{id}", s.requireUser(s.handleUpdateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.requireUser(s.handleDeleteConversation))

	mux.HandleFunc("GET /api/usage", s.requireUser(s.handleUsage))

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(s.checks))

	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		s.logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	return withRequestLog(mux)
}

// HTTPServer builds the http.Server with timeouts. WriteTimeout stays
// unset: SSE and websocket responses outlive any fixed write deadline.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        fmt.Sprintf(":%s", s.cfg.Port),
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
