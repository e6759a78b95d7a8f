package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the chat gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// SQLite database path
	DatabasePath string `envconfig:"DATABASE_PATH" default:"chatgateway.db"`

	// LLM provider configuration (OpenAI-compatible chat completions API)
	LLMAPIKey  string `envconfig:"LLM_API_KEY" required:"true"`
	LLMBaseURL string `envconfig:"LLM_BASE_URL" default:"https://api.deepseek.com/v1"`
	LLMModel   string `envconfig:"LLM_MODEL" default:"deepseek-chat"`
	LLMTimeout int    `envconfig:"LLM_TIMEOUT" default:"120"` // seconds, per provider call

	// MCP tool server configuration
	MCPEnabled      bool   `envconfig:"MCP_ENABLED" default:"true"`
	MCPCommand      string `envconfig:"MCP_COMMAND" default:"npx -y n8n-mcp"` // launched as a child process
	MCPCallTimeout  int    `envconfig:"MCP_CALL_TIMEOUT" default:"30"`        // seconds, per tool-server call
	MCPStartupGrace int    `envconfig:"MCP_STARTUP_GRACE" default:"1000"`     // milliseconds to wait for the process to settle

	// Orchestration configuration
	MaxToolIterations int `envconfig:"MAX_TOOL_ITERATIONS" default:"10"` // Tool-calling rounds before forcing a final answer
	StreamChunkSize   int `envconfig:"STREAM_CHUNK_SIZE" default:"20"`   // Characters per content event when re-chunking round text

	// Conversation memory configuration
	MemoryMaxMessages int  `envconfig:"MEMORY_MAX_MESSAGES" default:"10"` // Recent messages included in context
	SummarizeAfter    int  `envconfig:"SUMMARIZE_AFTER" default:"20"`     // Message count that triggers summarization
	IncludeSummary    bool `envconfig:"INCLUDE_SUMMARY" default:"true"`   // Include stored summary in context

	// Billing configuration
	CreditDivisor int     `envconfig:"CREDIT_DIVISOR" default:"10"`      // Credits deducted = total tokens / divisor
	CostPerToken  float64 `envconfig:"COST_PER_TOKEN" default:"0.00001"` // USD, reported in usage payloads

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.MCPEnabled && strings.TrimSpace(cfg.MCPCommand) == "" {
		return nil, fmt.Errorf("MCP_COMMAND is required when MCP_ENABLED is true")
	}

	return &cfg, nil
}

// MCPCommandArgs splits the configured tool-server command into argv form.
func (c *Config) MCPCommandArgs() []string {
	return strings.Fields(c.MCPCommand)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
