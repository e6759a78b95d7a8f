package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat request metrics
	activeChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_active_chats",
		Help: "Number of chat requests currently in flight",
	})

	totalChats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_chats_total",
		Help: "Total number of chat requests processed",
	}, []string{"mode"}) // mode: "blocking" or "stream"

	chatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_chat_duration_seconds",
		Help:    "Duration of chat requests in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// LLM provider metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_llm_requests_total",
		Help: "Total number of LLM provider requests",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_llm_latency_seconds",
		Help:    "LLM provider call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_tokens_total",
		Help: "Total tokens consumed across chat requests",
	}, []string{"kind"}) // kind: "prompt" or "completion"

	// Tool server metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_tool_calls_total",
		Help: "Total number of tool-server calls",
	}, []string{"status"})

	toolLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_tool_latency_seconds",
		Help:    "Tool-server call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	toolServerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_tool_server_restarts_total",
		Help: "Total number of tool-server process restarts",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single chat request
type Metrics struct {
	startTime time.Time
}

// NewChatMetrics creates a new metrics tracker for a chat request
func NewChatMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordChatStart records the start of a chat request
func (m *Metrics) RecordChatStart(mode string) {
	activeChats.Inc()
	totalChats.WithLabelValues(mode).Inc()
}

// RecordChatEnd records the end of a chat request
func (m *Metrics) RecordChatEnd() {
	activeChats.Dec()
	chatDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordLLMCall records one provider call's latency and outcome
func RecordLLMCall(duration time.Duration, success bool) {
	llmLatency.Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(status).Inc()
}

// RecordToolCall records one tool-server call's latency and outcome
func RecordToolCall(duration time.Duration, success bool) {
	toolLatency.Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	toolCalls.WithLabelValues(status).Inc()
}

// RecordTokens records token usage for a chat request
func (m *Metrics) RecordTokens(prompt, completion int) {
	tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	tokensTotal.WithLabelValues("completion").Add(float64(completion))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordToolServerRestart increments the tool-server restart counter
func RecordToolServerRestart() {
	toolServerRestarts.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
