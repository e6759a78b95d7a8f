package agent

import (
	"errors"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/store"
)

// MemoryConfig bounds how much conversation history feeds into a prompt.
type MemoryConfig struct {
	MaxMessages    int
	SummarizeAfter int
	IncludeSummary bool
}

// HistoryStore is the slice of the store the memory assembler reads.
type HistoryStore interface {
	GetConversation(id string) (*store.Conversation, error)
	RecentMessages(conversationID string, limit int) ([]store.Message, error)
}

// Memory loads bounded recent history plus an optional summary for prompt
// assembly.
type Memory struct {
	cfg    MemoryConfig
	store  HistoryStore
	logger zerolog.Logger
}

// NewMemory creates a memory assembler over the given store.
func NewMemory(cfg MemoryConfig, hs HistoryStore, logger zerolog.Logger) *Memory {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.SummarizeAfter <= 0 {
		cfg.SummarizeAfter = 20
	}
	return &Memory{
		cfg:    cfg,
		store:  hs,
		logger: logger.With().Str("component", "memory").Logger(),
	}
}

// Context returns at most MaxMessages recent messages, oldest first, plus
// the conversation summary when one exists and summaries are enabled. An
// empty or unknown conversation id yields empty context, never an error:
// it simply means a new conversation.
func (m *Memory) Context(conversationID string) ([]openai.ChatCompletionMessage, string) {
	if conversationID == "" {
		return nil, ""
	}

	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to load conversation, treating as new")
		}
		return nil, ""
	}

	stored, err := m.store.RecentMessages(conversationID, m.cfg.MaxMessages)
	if err != nil {
		m.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to load history, treating as new")
		return nil, ""
	}

	history := make([]openai.ChatCompletionMessage, 0, len(stored))
	for _, msg := range stored {
		switch msg.Role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
			history = append(history, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	summary := ""
	if m.cfg.IncludeSummary {
		summary = conv.Summary
	}
	return history, summary
}

// ShouldSummarize reports whether a conversation has grown past the
// summarization threshold.
func (m *Memory) ShouldSummarize(messageCount int) bool {
	return messageCount > m.cfg.SummarizeAfter
}
