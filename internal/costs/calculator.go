// Package costs provides cost estimation for API usage.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// These are based on 2026 market rates and can be overridden via environment variables.
var (
	// TwilioCentsPerMinute is the cost per minute for Twilio outbound US voice calls.
	// Default: $0.014/min = 1.4 cents/min
	TwilioCentsPerMinute = getEnvFloat("COST_TWILIO_CENTS_PER_MIN", 1.4)

	// PollyCentsPerThousandChars is the cost per 1K characters spoken via
	// Twilio <Say> with an Amazon Polly voice.
	// Default: $0.0008/100 chars = 0.8 cents/1K chars
	PollyCentsPerThousandChars = getEnvFloat("COST_POLLY_CENTS_PER_1K_CHARS", 0.8)

	// GeminiCentsPerThousandInputTokens is the cost per 1K input tokens for Gemini 1.5 Flash.
	// Default: $0.075/1M = 0.0075 cents/1K tokens
	GeminiCentsPerThousandInputTokens = getEnvFloat("COST_GEMINI_INPUT_CENTS_PER_1K", 0.0075)

	// GeminiCentsPerThousandOutputTokens is the cost per 1K output tokens for Gemini 1.5 Flash.
	// Default: $0.30/1M = 0.03 cents/1K tokens
	GeminiCentsPerThousandOutputTokens = getEnvFloat("COST_GEMINI_OUTPUT_CENTS_PER_1K", 0.03)
)

// CallMetrics contains the raw metrics from a call used for cost estimation.
type CallMetrics struct {
	CallDurationSeconds int // Total call duration (for Twilio billing)
	LLMInputTokens      int // Tokens sent to the model
	LLMOutputTokens     int // Tokens received from the model
	TTSCharacters       int // Characters spoken via <Say>
}

// CallCosts contains the estimated costs for a call in cents.
type CallCosts struct {
	TwilioCostCents int `json:"twilio_cost_cents"`
	LLMCostCents    int `json:"llm_cost_cents"`
	TTSCostCents    int `json:"tts_cost_cents"`
	TotalCostCents  int `json:"total_cost_cents"`
}

// EstimateCallCosts computes the estimated costs for a call based on usage metrics.
func EstimateCallCosts(m CallMetrics) CallCosts {
	callMinutes := float64(m.CallDurationSeconds) / 60.0
	twilioCents := callMinutes * TwilioCentsPerMinute

	// LLM costs: per 1K tokens
	llmInputCents := (float64(m.LLMInputTokens) / 1000.0) * GeminiCentsPerThousandInputTokens
	llmOutputCents := (float64(m.LLMOutputTokens) / 1000.0) * GeminiCentsPerThousandOutputTokens
	llmCents := llmInputCents + llmOutputCents

	// TTS costs: per 1K characters
	ttsCents := (float64(m.TTSCharacters) / 1000.0) * PollyCentsPerThousandChars

	costs := CallCosts{
		TwilioCostCents: roundToInt(twilioCents),
		LLMCostCents:    roundToInt(llmCents),
		TTSCostCents:    roundToInt(ttsCents),
	}
	costs.TotalCostCents = costs.TwilioCostCents + costs.LLMCostCents + costs.TTSCostCents

	return costs
}

// EstimateTokens approximates a token count from raw character length.
// Exact counts only come back from the model API; four characters per
// token is close enough for cost reporting.
func EstimateTokens(chars int) int {
	return chars / 4
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
