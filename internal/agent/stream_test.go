package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

func collectEvents(events *[]Event) EmitFunc {
	return func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func contentOf(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e.Content)
	}
	return b.String()
}

func statusesOf(events []Event) []string {
	var statuses []string
	for _, e := range events {
		if e.Status != "" {
			statuses = append(statuses, e.Status)
		}
	}
	return statuses
}

func streamOf(deltas []string, usage *openai.Usage) *fakeStream {
	var chunks []openai.ChatCompletionStreamResponse
	for _, d := range deltas {
		chunks = append(chunks, openai.ChatCompletionStreamResponse{
			Choices: []openai.ChatCompletionStreamChoice{
				{Delta: openai.ChatCompletionStreamChoiceDelta{Content: d}},
			},
		})
	}
	if usage != nil {
		chunks = append(chunks, openai.ChatCompletionStreamResponse{Usage: usage})
	}
	return &fakeStream{chunks: chunks}
}

func TestRunStream_FinalAnswerWithoutTools(t *testing.T) {
	// First blocking round returns no tool calls and no text, so the final
	// streamed call produces the whole answer.
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{textResponse("")},
		streams: []*fakeStream{
			streamOf([]string{"Use the ", "Gmail node."}, &openai.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50}),
		},
	}
	o := testOrchestrator(llmClient, &fakeCatalog{}, nil)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}
	if result.Content != "Use the Gmail node." {
		t.Errorf("Unexpected content: '%s'", result.Content)
	}
	if contentOf(events) != "Use the Gmail node." {
		t.Errorf("Emitted events do not reassemble the answer: '%s'", contentOf(events))
	}
	if result.Usage.TotalTokens != 50 {
		t.Errorf("Expected 50 tokens from the stream, got %d", result.Usage.TotalTokens)
	}
	if !llmClient.streams[0].closed {
		t.Error("Expected the stream to be closed")
	}
}

func TestRunStream_EarlyTextAnswerSkipsStreamedCall(t *testing.T) {
	// A tool-call-free blocking round with text is the final answer; no
	// streamed call is made.
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			textResponse("This text answer spans more than twenty characters."),
		},
		usages: []openai.Usage{{TotalTokens: 25}},
	}
	o := testOrchestrator(llmClient, &fakeCatalog{}, nil)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}
	if llmClient.streamCalls != 0 {
		t.Error("Expected no streamed call when a round already answered")
	}
	if result.Content != "This text answer spans more than twenty characters." {
		t.Errorf("Unexpected content: '%s'", result.Content)
	}
	if contentOf(events) != result.Content {
		t.Errorf("Chunked events do not reassemble the answer: '%s'", contentOf(events))
	}

	// Chunks honor the configured size.
	for i, e := range events {
		if e.Content == "" {
			continue
		}
		if got := len([]rune(e.Content)); got > 20 {
			t.Errorf("Event %d exceeds chunk size: %d runes", i, got)
		}
	}
}

func TestRunStream_StatusBeforeToolBatch(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("Let me check.", toolCall("c1", "search_nodes", `{"query":"email"}`)),
			textResponse("The Gmail node fits."),
		},
	}
	caller := &fakeCaller{
		results: map[string]json.RawMessage{"search_nodes": json.RawMessage(`{"nodes":["gmail"]}`)},
	}
	o := testOrchestrator(llmClient, &fakeCatalog{}, caller)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}

	statuses := statusesOf(events)
	if len(statuses) != 1 || !strings.Contains(statuses[0], "step 1") {
		t.Errorf("Expected one status event for step 1, got %v", statuses)
	}

	// Reasoning preamble plus final answer, both emitted.
	if !strings.Contains(contentOf(events), "Let me check.") {
		t.Error("Expected the reasoning preamble to be streamed")
	}
	if result.Content != "Let me check.The Gmail node fits." {
		t.Errorf("Unexpected accumulated content: '%s'", result.Content)
	}

	// The status event precedes the tool batch, after the preamble chunk.
	var statusIndex, finalContentIndex int
	for i, e := range events {
		if e.Status != "" {
			statusIndex = i
		}
		if strings.Contains(e.Content, "Gmail") {
			finalContentIndex = i
		}
	}
	if statusIndex > finalContentIndex {
		t.Error("Status event must precede the final answer")
	}
}

func TestRunStream_BoundNudge(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("c", "search_nodes", `{}`)),
		},
		streams: []*fakeStream{
			streamOf([]string{"Best effort answer."}, nil),
		},
	}
	o := NewOrchestrator(
		llmClient,
		&fakeCatalog{},
		NewExecutor(&fakeCaller{}, ExecutorConfig{}, zerolog.Nop()),
		OrchestratorConfig{MaxIterations: 2, ChunkSize: 20, ToolsEnabled: true},
		zerolog.Nop(),
	)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("Expected the bound of 2 iterations, got %d", result.Iterations)
	}
	if result.Content != "Best effort answer." {
		t.Errorf("Unexpected content: '%s'", result.Content)
	}
	// Usage was never reported, so it is estimated.
	if result.Usage.TotalTokens == 0 {
		t.Error("Expected estimated token usage when the provider reports none")
	}
}

func TestRunStream_StrayToolCallDeltaIgnored(t *testing.T) {
	stray := openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{toolCall("x", "search_nodes", `{}`)},
			}},
		},
	}
	stream := &fakeStream{chunks: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Answer "}}}},
		stray,
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "text."}}}},
	}}
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{textResponse("")},
		streams:   []*fakeStream{stream},
	}
	o := testOrchestrator(llmClient, &fakeCatalog{}, nil)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}
	if result.Content != "Answer text." {
		t.Errorf("Stray tool-call delta should be skipped, got '%s'", result.Content)
	}
}

func TestRunStream_UsageAccumulatedAcrossRounds(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("c1", "search_nodes", `{}`)),
			textResponse(""),
		},
		usages: []openai.Usage{
			{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
			{PromptTokens: 120, CompletionTokens: 5, TotalTokens: 125},
		},
		streams: []*fakeStream{
			streamOf([]string{"done"}, &openai.Usage{PromptTokens: 130, CompletionTokens: 15, TotalTokens: 145}),
		},
	}
	o := testOrchestrator(llmClient, &fakeCatalog{}, nil)

	var events []Event
	result, err := o.RunStream(context.Background(), nil, collectEvents(&events))
	if err != nil {
		t.Fatalf("RunStream() failed: %v", err)
	}
	if result.Usage.TotalTokens != 380 {
		t.Errorf("Expected 110+125+145=380 tokens, got %d", result.Usage.TotalTokens)
	}
}
