package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind its own auth; origin policy is left to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 5 * time.Minute
)

// handleChatWS serves chat over a websocket. Each client message is a chat
// request; the server answers with the same event sequence as the SSE
// endpoint (status, content chunks, then one done or error event) before
// reading the next request.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Info().Int64("user_id", user.ID).Msg("Websocket session started")

	send := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))

		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("Websocket read failed")
			}
			return
		}

		metrics := observability.NewChatMetrics()
		metrics.RecordChatStart("ws")

		turn, err := s.prepareTurn(user, req)
		if err != nil {
			metrics.RecordChatEnd()
			if sendErr := send(errorEvent{Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		emit := func(e agent.Event) error {
			return send(e)
		}

		result, err := s.orch.RunStream(r.Context(), turn.messages, emit)
		if err != nil {
			metrics.RecordError("provider", "chat_ws")
			metrics.RecordChatEnd()
			s.logger.Error().Err(err).Str("conversation_id", turn.conv.ID).Msg("Websocket chat turn failed")
			if sendErr := send(errorEvent{Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		s.finishTurn(turn, result.Content, result.Usage, metrics)
		metrics.RecordChatEnd()

		if err := send(doneEvent{
			Done:           true,
			ConversationID: turn.conv.ID,
			Usage: usageOut{
				PromptTokens:     result.Usage.PromptTokens,
				CompletionTokens: result.Usage.CompletionTokens,
				TotalTokens:      result.Usage.TotalTokens,
				Cost:             result.Usage.Cost(s.cfg.CostPerToken),
			},
		}); err != nil {
			return
		}
	}
}
