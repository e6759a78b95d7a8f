package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/flowmentor/chat-gateway/internal/resilience"
)

// invalidArgumentsError is the fixed error for tool-call arguments that do
// not parse as a JSON object. Such calls never reach the tool server.
const invalidArgumentsError = "invalid tool arguments"

// ToolCaller is the slice of the connection the executor needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error)
}

// ToolCallResult is the uniform outcome of one tool call.
type ToolCallResult struct {
	ToolName string
	CallID   string
	Success  bool
	Result   json.RawMessage
	Error    string
}

// ToMessage converts the result into the role="tool" message spliced into
// conversation history for the next LLM round. Content is the raw JSON
// result on success, or {"error": ...} on failure.
func (r ToolCallResult) ToMessage() openai.ChatCompletionMessage {
	content := string(r.Result)
	if !r.Success {
		payload, _ := json.Marshal(map[string]string{"error": r.Error})
		content = string(payload)
	}
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		ToolCallID: r.CallID,
	}
}

// ExecutorConfig bounds the circuit breaker around tool-server calls.
type ExecutorConfig struct {
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Executor runs batches of LLM-issued tool calls against the tool server.
// The circuit breaker sheds calls fast when the tool server is persistently
// failing, so a broken server costs one error per call instead of a 30s
// timeout each.
type Executor struct {
	caller  ToolCaller
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewExecutor creates a tool call executor over the given connection.
func NewExecutor(caller ToolCaller, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}
	return &Executor{
		caller:  caller,
		breaker: resilience.NewCircuitBreaker("tool-server", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// ExecuteBatch runs every call in the batch sequentially and returns
// exactly one result per call, in input order. Individual failures never
// abort the batch and never propagate: they become failed results the LLM
// sees on the next round.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []openai.ToolCall) []ToolCallResult {
	results := make([]ToolCallResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeOne(ctx, call))
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call openai.ToolCall) ToolCallResult {
	name := call.Function.Name
	result := ToolCallResult{ToolName: name, CallID: call.ID}

	var arguments map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &arguments); err != nil {
		e.logger.Warn().Str("tool", name).Str("arguments", call.Function.Arguments).Msg("Tool call arguments failed to parse")
		result.Error = invalidArgumentsError
		return result
	}

	e.logger.Debug().Str("tool", name).Msg("Executing tool call")

	start := time.Now()
	var payload json.RawMessage
	err := e.breaker.Call(func() error {
		var callErr error
		payload, callErr = e.caller.CallTool(ctx, name, arguments)
		return callErr
	})
	observability.RecordToolCall(time.Since(start), err == nil)
	observability.UpdateCircuitBreakerState("tool-server", int(e.breaker.GetState()))

	if err != nil {
		e.logger.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Result = payload
	return result
}
