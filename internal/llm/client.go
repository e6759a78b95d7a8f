// Package llm wraps the OpenAI-compatible chat completion API used for
// both blocking tool-calling rounds and the final streamed answer.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmentor/chat-gateway/internal/observability"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ClientConfig holds LLM provider settings
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client is a thin wrapper over the provider SDK that pins the model and
// per-call timeout. Provider failures are fatal for the current chat turn
// and are never retried here.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates an LLM client for an OpenAI-compatible endpoint.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiConfig),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger.With().Str("component", "llm").Logger(),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete performs one blocking chat completion. Tools may be nil to
// request a text-only answer.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, openai.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	observability.RecordLLMCall(time.Since(start), err == nil)
	if err != nil {
		c.logger.Error().Err(err).Str("model", c.model).Msg("Chat completion failed")
		return openai.ChatCompletionMessage{}, openai.Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, openai.Usage{}, fmt.Errorf("chat completion returned no choices")
	}

	c.logger.Debug().
		Str("model", c.model).
		Dur("latency", time.Since(start)).
		Int("tool_calls", len(resp.Choices[0].Message.ToolCalls)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("Chat completion finished")

	return resp.Choices[0].Message, resp.Usage, nil
}

// Stream is an open token-streaming completion. Closing it releases the
// underlying connection and the per-call timeout.
type Stream struct {
	*openai.ChatCompletionStream
	cancel context.CancelFunc
}

// Close shuts down the stream and its timeout context.
func (s *Stream) Close() error {
	defer s.cancel()
	return s.ChatCompletionStream.Close()
}

// StartStream opens a token-streaming chat completion with usage reporting
// on the final chunk. No tools are offered: the streamed call is always the
// text-only final answer. The caller owns closing the returned stream.
func (c *Client) StartStream(ctx context.Context, messages []openai.ChatCompletionMessage) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		c.logger.Error().Err(err).Str("model", c.model).Msg("Streaming completion failed to open")
		return nil, fmt.Errorf("streaming completion failed: %w", err)
	}

	return &Stream{ChatCompletionStream: stream, cancel: cancel}, nil
}
