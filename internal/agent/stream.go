package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/llm"
)

// Event is one incremental output event of a streaming chat.
type Event struct {
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// EmitFunc delivers one event to the client. An error aborts the run.
type EmitFunc func(Event) error

// maxRoundsNudge is appended when the tool-calling bound is exhausted with
// no text produced, telling the model to answer without further tools.
const maxRoundsNudge = "You have reached the maximum number of tool calls. " +
	"Please provide your final answer now without calling any more tools. " +
	"Include the workflow in ```n8n-workflow format if applicable."

// RunStream reproduces Run's effect while emitting incremental events.
// Tool-calling rounds run as blocking calls (tool-call detection needs the
// complete structured response); any round text is chunked and emitted
// immediately, and a status event precedes each tool batch. Once the
// sub-loop settles, a true token-streaming call without tools produces the
// final answer, unless a round already yielded a tool-call-free text
// answer, which is final as-is. The caller persists the result and emits
// its own terminal event.
func (o *Orchestrator) RunStream(ctx context.Context, messages []openai.ChatCompletionMessage, emit EmitFunc) (*Result, error) {
	var (
		full      string
		usage     llm.Usage
		iteration int
	)

	if o.cfg.ToolsEnabled {
		for iteration < o.cfg.MaxIterations {
			o.logger.Info().
				Int("iteration", iteration+1).
				Int("max", o.cfg.MaxIterations).
				Msg("Tool calling round")

			msg, roundUsage, err := o.llm.Complete(ctx, messages, o.catalog.Definitions(ctx, false))
			if err != nil {
				return nil, err
			}
			usage.Accumulate(roundUsage)

			// Round text (a reasoning preamble or the final answer) goes
			// out immediately rather than being withheld.
			if msg.Content != "" {
				full += msg.Content
				if err := o.emitChunked(msg.Content, emit); err != nil {
					return nil, err
				}
			}

			if len(msg.ToolCalls) == 0 {
				if full != "" {
					// A tool-call-free round with text is the final answer.
					return &Result{Content: full, Usage: usage, Iterations: iteration}, nil
				}
				// No tools and no text: fall through to the streamed call.
				break
			}

			if err := emit(Event{Status: fmt.Sprintf("Searching for information... (step %d)", iteration+1)}); err != nil {
				return nil, err
			}

			messages = o.spliceToolRound(ctx, messages, msg)
			iteration++
		}

		if iteration >= o.cfg.MaxIterations && full == "" {
			o.logger.Warn().Int("max", o.cfg.MaxIterations).Msg("Tool call bound reached, forcing final answer")
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: maxRoundsNudge,
			})
		}
	}

	text, streamUsage, err := o.streamFinal(ctx, messages, emit)
	if err != nil {
		return nil, err
	}
	full += text
	usage.Accumulate(streamUsage)

	if usage.TotalTokens == 0 {
		usage.TotalTokens = estimateTokens(full, messages)
	}

	return &Result{Content: full, Usage: usage, Iterations: iteration}, nil
}

// streamFinal makes the token-streaming call for the final answer, with no
// tools offered, forwarding each content delta as it arrives.
func (o *Orchestrator) streamFinal(ctx context.Context, messages []openai.ChatCompletionMessage, emit EmitFunc) (string, openai.Usage, error) {
	stream, err := o.llm.StartStream(ctx, messages)
	if err != nil {
		return "", openai.Usage{}, err
	}
	defer stream.Close()

	var (
		full  string
		usage openai.Usage
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A mid-stream decode failure degrades to the partial answer
			// already forwarded instead of discarding it.
			if full != "" {
				o.logger.Warn().Err(err).Msg("Stream ended abnormally, keeping partial answer")
				break
			}
			return "", openai.Usage{}, err
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if len(delta.ToolCalls) > 0 {
			// The provider was asked for text only; a stray tool-call delta
			// is noise, not something to execute.
			o.logger.Debug().Msg("Ignoring tool call delta in final stream")
			continue
		}
		if delta.Content != "" {
			full += delta.Content
			if err := emit(Event{Content: delta.Content}); err != nil {
				return "", openai.Usage{}, err
			}
		}
	}

	return full, usage, nil
}

// emitChunked splits text into fixed-size rune chunks and emits each as a
// content event.
func (o *Orchestrator) emitChunked(text string, emit EmitFunc) error {
	runes := []rune(text)
	size := o.cfg.ChunkSize
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(Event{Content: string(runes[i:end])}); err != nil {
			return err
		}
	}
	return nil
}

// estimateTokens approximates usage when the provider reports none.
func estimateTokens(response string, messages []openai.ChatCompletionMessage) int {
	total := len(response) / 4
	for _, msg := range messages {
		total += len(msg.Content) / 4
	}
	return total
}
