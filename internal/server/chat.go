package server

import (
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/llm"
	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/flowmentor/chat-gateway/internal/store"
)

type chatMessageIn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessageIn `json:"messages"`
	ConversationID string          `json:"conversationId"`
}

func (r chatRequest) currentMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

type usageOut struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

type chatResponse struct {
	Message        string   `json:"message"`
	Usage          usageOut `json:"usage"`
	ConversationID string   `json:"conversationId"`
}

// chatTurn carries the prepared state of one chat request.
type chatTurn struct {
	user     *store.User
	conv     *store.Conversation
	messages []openai.ChatCompletionMessage
	current  string
}

// prepareTurn validates the request, resolves the conversation (a
// conversation owned by another user is treated as absent) and assembles
// the LLM message array. The user message is persisted here.
func (s *Server) prepareTurn(user *store.User, req chatRequest) (*chatTurn, error) {
	current := req.currentMessage()
	if current == "" {
		return nil, errors.New("message is required")
	}

	conversationID := req.ConversationID
	if conversationID != "" {
		owns, err := s.store.UserOwnsConversation(conversationID, user.ID)
		if err != nil {
			return nil, err
		}
		if !owns {
			conversationID = ""
		}
	}

	history, summary := s.memory.Context(conversationID)

	conv, created, err := s.store.GetOrCreateConversation(conversationID, user.ID, titleFor(current), agent.DefaultAgentID)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().Str("conversation_id", conv.ID).Int64("user_id", user.ID).Msg("New conversation")
	}

	if _, err := s.store.AddMessage(conv.ID, openai.ChatMessageRoleUser, current, 0); err != nil {
		return nil, err
	}

	return &chatTurn{
		user:     user,
		conv:     conv,
		messages: s.prompts.BuildMessages(current, history, summary),
		current:  current,
	}, nil
}

// finishTurn persists the assistant message, deducts credits, records
// usage and bumps the conversation. Called exactly once per chat turn on
// both the blocking and streaming paths.
func (s *Server) finishTurn(turn *chatTurn, content string, usage llm.Usage, metrics *observability.Metrics) {
	if _, err := s.store.AddMessage(turn.conv.ID, openai.ChatMessageRoleAssistant, content, usage.TotalTokens); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", turn.conv.ID).Msg("Failed to persist assistant message")
	}

	if credits := usage.Credits(s.cfg.CreditDivisor); credits > 0 {
		if err := s.store.DeductCredits(turn.user.ID, credits); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", turn.user.ID).Int("credits", credits).Msg("Credit deduction failed")
		}
	}

	cost := usage.Cost(s.cfg.CostPerToken)
	if err := s.store.AddUsageLog(turn.user.ID, turn.conv.ID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, cost); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record usage log")
	}

	if err := s.store.TouchConversation(turn.conv.ID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to touch conversation")
	}

	if count, err := s.store.CountMessages(turn.conv.ID); err == nil && s.memory.ShouldSummarize(count) {
		// Summary generation is a stubbed extension point; only the
		// threshold decision is live.
		s.logger.Debug().Str("conversation_id", turn.conv.ID).Int("messages", count).Msg("Conversation past summarization threshold")
	}

	metrics.RecordTokens(usage.PromptTokens, usage.CompletionTokens)
}

// handleChat runs one blocking chat turn with tool calling.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	metrics := observability.NewChatMetrics()
	metrics.RecordChatStart("blocking")
	defer metrics.RecordChatEnd()

	turn, err := s.prepareTurn(user, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orch.Run(r.Context(), turn.messages)
	if err != nil {
		metrics.RecordError("provider", "chat")
		s.logger.Error().Err(err).Str("conversation_id", turn.conv.ID).Msg("Chat turn failed")
		writeError(w, http.StatusInternalServerError, "failed to get response from AI")
		return
	}

	s.finishTurn(turn, result.Content, result.Usage, metrics)

	writeJSON(w, http.StatusOK, chatResponse{
		Message: result.Content,
		Usage: usageOut{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			Cost:             result.Usage.Cost(s.cfg.CostPerToken),
		},
		ConversationID: turn.conv.ID,
	})
}

// titleFor derives a conversation title from the first user message.
func titleFor(message string) string {
	runes := []rune(message)
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return message
}
