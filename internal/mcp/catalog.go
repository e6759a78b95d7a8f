package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmentor/chat-gateway/internal/resilience"
)

// fallbackToolsJSON is the static tool set served when the tool server is
// unreachable or returns garbage. Versioned so the asset can evolve
// independently of the code that consumes it.
//
//go:embed fallback_tools.json
var fallbackToolsJSON []byte

// ToolLister is the slice of the connection the catalog needs.
type ToolLister interface {
	ListTools(ctx context.Context) (json.RawMessage, error)
}

// nativeTool is a tool entry as the tool server describes it.
type nativeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolListResult struct {
	Tools []nativeTool `json:"tools"`
}

type fallbackAsset struct {
	Version int          `json:"version"`
	Tools   []nativeTool `json:"tools"`
}

// Catalog caches the tool server's tool list in the LLM function-calling
// schema. The cache is shared by all chat requests; a reload swaps the
// value atomically so concurrent readers see either the old or the new
// complete set.
type Catalog struct {
	lister ToolLister
	logger zerolog.Logger

	mu    sync.RWMutex
	tools []openai.Tool // nil means never fetched
}

// NewCatalog creates an empty catalog backed by the given connection.
func NewCatalog(lister ToolLister, logger zerolog.Logger) *Catalog {
	return &Catalog{
		lister: lister,
		logger: logger.With().Str("component", "tool_catalog").Logger(),
	}
}

// Definitions returns the tool definitions to offer the LLM. The first call
// fetches from the tool server; later calls serve the cached set unless
// forceReload is true. Fetch failures degrade to the embedded fallback set
// instead of erroring, so a dead tool server never takes down a chat turn.
func (c *Catalog) Definitions(ctx context.Context, forceReload bool) []openai.Tool {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()

	if cached != nil && !forceReload {
		return cached
	}

	tools, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load tools from tool server, using fallback set")
		tools = FallbackTools()
	} else {
		c.logger.Info().Int("count", len(tools)).Msg("Loaded tools from tool server")
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools
}

// Invalidate empties the cache so the next Definitions call re-fetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

func (c *Catalog) fetch(ctx context.Context) ([]openai.Tool, error) {
	var raw json.RawMessage
	err := resilience.Retry(func() error {
		var listErr error
		raw, listErr = c.lister.ListTools(ctx)
		return listErr
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, err
	}

	var result toolListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tool list: %w", err)
	}
	if result.Tools == nil {
		return nil, fmt.Errorf("tool list missing 'tools' field")
	}

	return translateTools(result.Tools), nil
}

// translateTools converts native tool entries to the LLM function-calling
// schema. Total: every entry yields exactly one tool, with missing fields
// mapped to empty values.
func translateTools(native []nativeTool) []openai.Tool {
	tools := make([]openai.Tool, 0, len(native))
	for _, nt := range native {
		params := nt.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        nt.Name,
				Description: nt.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// FallbackTools returns the embedded static tool set.
func FallbackTools() []openai.Tool {
	var asset fallbackAsset
	if err := json.Unmarshal(fallbackToolsJSON, &asset); err != nil {
		// The asset is compiled in; a parse failure is a build defect.
		panic(fmt.Sprintf("invalid embedded fallback tool asset: %v", err))
	}
	return translateTools(asset.Tools)
}
