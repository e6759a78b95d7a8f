package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/observability"
)

type doneEvent struct {
	Done           bool     `json:"done"`
	ConversationID string   `json:"conversationId"`
	Usage          usageOut `json:"usage"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// handleChatStream runs one chat turn, emitting server-sent events: status
// lines during tool rounds, content chunks as they arrive, then a single
// terminal done or error event. Partial output already flushed is never
// retracted.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	metrics := observability.NewChatMetrics()
	metrics.RecordChatStart("stream")
	defer metrics.RecordChatEnd()

	turn, err := s.prepareTurn(user, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(e agent.Event) error {
		return writeSSE(w, flusher, e)
	}

	result, err := s.orch.RunStream(r.Context(), turn.messages, emit)
	if err != nil {
		metrics.RecordError("provider", "chat_stream")
		s.logger.Error().Err(err).Str("conversation_id", turn.conv.ID).Msg("Streaming chat turn failed")
		writeSSE(w, flusher, errorEvent{Error: err.Error()})
		return
	}

	s.finishTurn(turn, result.Content, result.Usage, metrics)

	writeSSE(w, flusher, doneEvent{
		Done:           true,
		ConversationID: turn.conv.ID,
		Usage: usageOut{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			Cost:             result.Usage.Cost(s.cfg.CostPerToken),
		},
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
