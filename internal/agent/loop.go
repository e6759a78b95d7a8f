package agent

import (
	"context"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/llm"
)

// ChatStream is one open token stream from the provider.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// LLMClient is the provider surface the orchestrator consumes.
type LLMClient interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, openai.Usage, error)
	StartStream(ctx context.Context, messages []openai.ChatCompletionMessage) (ChatStream, error)
}

// ToolCatalog supplies the tool definitions offered to the LLM.
type ToolCatalog interface {
	Definitions(ctx context.Context, forceReload bool) []openai.Tool
}

// clientAdapter narrows *llm.Client to the LLMClient interface.
type clientAdapter struct {
	*llm.Client
}

func (a clientAdapter) StartStream(ctx context.Context, messages []openai.ChatCompletionMessage) (ChatStream, error) {
	return a.Client.StartStream(ctx, messages)
}

// WrapClient adapts the concrete provider client for the orchestrator.
func WrapClient(client *llm.Client) LLMClient {
	return clientAdapter{client}
}

// OrchestratorConfig bounds the tool-calling loop.
type OrchestratorConfig struct {
	MaxIterations int
	ChunkSize     int
	ToolsEnabled  bool
}

// Orchestrator drives the tool-calling loop against the LLM provider and
// the tool server.
type Orchestrator struct {
	llm      LLMClient
	catalog  ToolCatalog
	executor *Executor
	cfg      OrchestratorConfig
	logger   zerolog.Logger
}

// NewOrchestrator wires the orchestration loop.
func NewOrchestrator(client LLMClient, catalog ToolCatalog, executor *Executor, cfg OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 20
	}
	return &Orchestrator{
		llm:      client,
		catalog:  catalog,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Result is the terminal output of one orchestration run.
type Result struct {
	Content    string
	Usage      llm.Usage
	Iterations int
}

// loopState is a state of the tool-calling loop.
type loopState int

const (
	stateAwaitLLM loopState = iota
	stateInspect
	stateExecuteTools
	stateDone
)

// Run executes the blocking tool-calling loop: call the LLM, execute any
// tool calls it issues, splice the results into history and call again,
// bounded by MaxIterations. Hitting the bound is not an error; the last
// content seen (possibly empty) is returned as the best available answer.
func (o *Orchestrator) Run(ctx context.Context, messages []openai.ChatCompletionMessage) (*Result, error) {
	var (
		state     = stateAwaitLLM
		response  openai.ChatCompletionMessage
		usage     llm.Usage
		iteration int
	)

	for state != stateDone {
		switch state {
		case stateAwaitLLM:
			msg, roundUsage, err := o.llm.Complete(ctx, messages, o.roundTools(ctx, iteration))
			if err != nil {
				return nil, err
			}
			usage.Accumulate(roundUsage)
			response = msg
			state = stateInspect

		case stateInspect:
			if len(response.ToolCalls) == 0 || iteration >= o.cfg.MaxIterations {
				state = stateDone
				break
			}
			state = stateExecuteTools

		case stateExecuteTools:
			o.logger.Info().
				Int("iteration", iteration+1).
				Int("max", o.cfg.MaxIterations).
				Int("tool_calls", len(response.ToolCalls)).
				Msg("Executing tool call round")

			messages = o.spliceToolRound(ctx, messages, response)
			iteration++
			state = stateAwaitLLM
		}
	}

	return &Result{
		Content:    response.Content,
		Usage:      usage,
		Iterations: iteration,
	}, nil
}

// roundTools returns the tool definitions for the call at the given
// iteration. The call after the last permitted round gets none, forcing a
// text-only answer.
func (o *Orchestrator) roundTools(ctx context.Context, iteration int) []openai.Tool {
	if !o.cfg.ToolsEnabled || iteration >= o.cfg.MaxIterations {
		return nil
	}
	return o.catalog.Definitions(ctx, false)
}

// spliceToolRound executes the response's tool calls and appends the
// assistant message plus one tool-result message per call, in call order.
func (o *Orchestrator) spliceToolRound(ctx context.Context, messages []openai.ChatCompletionMessage, response openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	results := o.executor.ExecuteBatch(ctx, response.ToolCalls)

	messages = append(messages, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   response.Content,
		ToolCalls: response.ToolCalls,
	})
	for _, result := range results {
		messages = append(messages, result.ToMessage())
	}
	return messages
}
