package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// scripted LLM client: returns canned responses in order, then repeats the
// last one.
type fakeLLM struct {
	responses []openai.ChatCompletionMessage
	usages    []openai.Usage
	streams   []*fakeStream
	err       error

	completeCalls int
	lastTools     [][]openai.Tool
	streamCalls   int
}

func (f *fakeLLM) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, openai.Usage, error) {
	if f.err != nil {
		return openai.ChatCompletionMessage{}, openai.Usage{}, f.err
	}
	i := f.completeCalls
	f.completeCalls++
	f.lastTools = append(f.lastTools, tools)
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	var usage openai.Usage
	if i < len(f.usages) {
		usage = f.usages[i]
	}
	return f.responses[i], usage, nil
}

func (f *fakeLLM) StartStream(ctx context.Context, messages []openai.ChatCompletionMessage) (ChatStream, error) {
	i := f.streamCalls
	f.streamCalls++
	if i >= len(f.streams) {
		return nil, errors.New("no stream scripted")
	}
	return f.streams[i], nil
}

type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeCatalog struct {
	tools []openai.Tool
	calls int
}

func (f *fakeCatalog) Definitions(ctx context.Context, forceReload bool) []openai.Tool {
	f.calls++
	return f.tools
}

func textResponse(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
}

func toolResponse(content string, calls ...openai.ToolCall) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}
}

func testOrchestrator(llmClient *fakeLLM, catalog *fakeCatalog, caller ToolCaller) *Orchestrator {
	if caller == nil {
		caller = &fakeCaller{}
	}
	return NewOrchestrator(
		llmClient,
		catalog,
		NewExecutor(caller, ExecutorConfig{}, zerolog.Nop()),
		OrchestratorConfig{MaxIterations: 10, ChunkSize: 20, ToolsEnabled: true},
		zerolog.Nop(),
	)
}

func TestRun_NoToolCalls(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{textResponse("plain answer")},
		usages:    []openai.Usage{{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}
	catalog := &fakeCatalog{}
	o := testOrchestrator(llmClient, catalog, nil)

	result, err := o.Run(context.Background(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Content != "plain answer" {
		t.Errorf("Expected 'plain answer', got '%s'", result.Content)
	}
	if result.Iterations != 0 {
		t.Errorf("Expected 0 iterations, got %d", result.Iterations)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 tokens, got %d", result.Usage.TotalTokens)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	// First response asks for a tool, second is the final answer.
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("call_1", "search_nodes", `{"query":"send email"}`)),
			textResponse("Use the Gmail node."),
		},
		usages: []openai.Usage{
			{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
			{PromptTokens: 150, CompletionTokens: 30, TotalTokens: 180},
		},
	}
	catalog := &fakeCatalog{}
	caller := &fakeCaller{
		results: map[string]json.RawMessage{"search_nodes": json.RawMessage(`{"nodes":["gmail"]}`)},
	}
	o := testOrchestrator(llmClient, catalog, caller)

	result, err := o.Run(context.Background(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "find an email-sending tool"},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Content != "Use the Gmail node." {
		t.Errorf("Unexpected final content: '%s'", result.Content)
	}
	if result.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", result.Iterations)
	}

	// Usage is the sum of both rounds.
	if result.Usage.TotalTokens != 300 || result.Usage.PromptTokens != 250 || result.Usage.CompletionTokens != 50 {
		t.Errorf("Unexpected accumulated usage: %+v", result.Usage)
	}

	if len(caller.calls) != 1 || caller.calls[0] != "search_nodes" {
		t.Errorf("Expected one search_nodes call, got %v", caller.calls)
	}
}

func TestRun_BoundTermination(t *testing.T) {
	// LLM always asks for more tools; the loop must stop at the bound.
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("c", "search_nodes", `{}`)),
		},
	}
	catalog := &fakeCatalog{}
	o := NewOrchestrator(
		llmClient,
		catalog,
		NewExecutor(&fakeCaller{}, ExecutorConfig{}, zerolog.Nop()),
		OrchestratorConfig{MaxIterations: 3, ChunkSize: 20, ToolsEnabled: true},
		zerolog.Nop(),
	)

	result, err := o.Run(context.Background(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "loop forever"},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("Expected exactly 3 iterations, got %d", result.Iterations)
	}
	// 1 initial call + 3 rounds.
	if llmClient.completeCalls != 4 {
		t.Errorf("Expected 4 LLM calls, got %d", llmClient.completeCalls)
	}
	// The loop degrades to the last content, empty here.
	if result.Content != "" {
		t.Errorf("Expected empty best-available content, got '%s'", result.Content)
	}
}

func TestRun_LastCallOmitsTools(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("c", "search_nodes", `{}`)),
		},
	}
	catalog := &fakeCatalog{tools: []openai.Tool{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: "search_nodes"}}}}
	o := NewOrchestrator(
		llmClient,
		catalog,
		NewExecutor(&fakeCaller{}, ExecutorConfig{}, zerolog.Nop()),
		OrchestratorConfig{MaxIterations: 2, ChunkSize: 20, ToolsEnabled: true},
		zerolog.Nop(),
	)

	if _, err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	calls := llmClient.lastTools
	if len(calls) != 3 {
		t.Fatalf("Expected 3 LLM calls, got %d", len(calls))
	}
	if len(calls[0]) == 0 || len(calls[1]) == 0 {
		t.Error("Expected tools offered on calls within the bound")
	}
	if len(calls[2]) != 0 {
		t.Error("Expected no tools on the call after the last permitted round")
	}
}

func TestRun_ToolsDisabled(t *testing.T) {
	llmClient := &fakeLLM{responses: []openai.ChatCompletionMessage{textResponse("no tools")}}
	catalog := &fakeCatalog{}
	o := NewOrchestrator(
		llmClient,
		catalog,
		NewExecutor(&fakeCaller{}, ExecutorConfig{}, zerolog.Nop()),
		OrchestratorConfig{MaxIterations: 10, ChunkSize: 20, ToolsEnabled: false},
		zerolog.Nop(),
	)

	result, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Content != "no tools" {
		t.Errorf("Unexpected content: '%s'", result.Content)
	}
	if catalog.calls != 0 {
		t.Error("Catalog must not be consulted when tools are disabled")
	}
	if len(llmClient.lastTools[0]) != 0 {
		t.Error("Expected no tools offered when tools are disabled")
	}
}

func TestRun_ProviderError(t *testing.T) {
	llmClient := &fakeLLM{err: errors.New("502 bad gateway")}
	o := testOrchestrator(llmClient, &fakeCatalog{}, nil)

	_, err := o.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected provider error to propagate")
	}
}

func TestRun_FailedToolResultFedBack(t *testing.T) {
	llmClient := &fakeLLM{
		responses: []openai.ChatCompletionMessage{
			toolResponse("", toolCall("c1", "broken_tool", `{}`)),
			textResponse("I could not look that up."),
		},
	}
	caller := &fakeCaller{errs: map[string]error{"broken_tool": errors.New("tool server is not running")}}
	o := testOrchestrator(llmClient, &fakeCatalog{}, caller)

	result, err := o.Run(context.Background(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Tool failure must not fail the run: %v", err)
	}
	if result.Content != "I could not look that up." {
		t.Errorf("Unexpected content: '%s'", result.Content)
	}
}
