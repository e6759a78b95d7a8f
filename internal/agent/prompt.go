// Package agent implements the chat orchestration core: prompt assembly,
// conversation memory, tool-call execution and the bounded tool-calling
// loop in blocking and streaming form.
package agent

import (
	_ "embed"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultAgentID identifies the built-in workflow mentor agent.
const DefaultAgentID = "workflow-mentor"

//go:embed prompts/workflow_mentor.txt
var workflowMentorPrompt string

// PromptBuilder assembles the message array for an LLM call.
type PromptBuilder struct {
	system string
}

// NewPromptBuilder creates a builder using the embedded workflow mentor
// system prompt.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{system: strings.TrimSpace(workflowMentorPrompt)}
}

// SystemPrompt returns the agent's system prompt text.
func (b *PromptBuilder) SystemPrompt() string {
	return b.system
}

// BuildMessages assembles the full message array: system prompt, an
// optional summary of older history, recent conversation history, then the
// current user message.
func (b *PromptBuilder) BuildMessages(userMessage string, history []openai.ChatCompletionMessage, summary string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+3)

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: b.system,
	})

	if summary != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Summary of the earlier conversation:\n" + summary,
		})
	}

	messages = append(messages, history...)

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	return messages
}
