package llm

import openai "github.com/sashabaranov/go-openai"

// Usage accumulates token counts across the rounds of one chat request.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Accumulate adds one round's reported usage to the running totals.
func (u *Usage) Accumulate(round openai.Usage) {
	u.PromptTokens += round.PromptTokens
	u.CompletionTokens += round.CompletionTokens
	u.TotalTokens += round.TotalTokens
}

// Cost converts total tokens to a monetary cost.
func (u Usage) Cost(perToken float64) float64 {
	return float64(u.TotalTokens) * perToken
}

// Credits converts total tokens to credit units using integer division.
func (u Usage) Credits(divisor int) int {
	if divisor <= 0 {
		return 0
	}
	return u.TotalTokens / divisor
}
