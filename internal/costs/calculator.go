// Package costs estimates what a bridged call cost to run.
package costs

import (
	"math"
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// Defaults follow 2026 list prices and can be overridden via environment variables.
var (
	// TwilioCentsPerMinute is the cost per started minute of an outbound US call.
	// Default: $0.014/min = 1.4 cents/min
	TwilioCentsPerMinute = getEnvFloat("COST_TWILIO_CENTS_PER_MIN", 1.4)

	// RealtimeInputCentsPerMinute is the cost per minute of caller audio streamed to the agent.
	// Default: $0.06/min = 6 cents/min
	RealtimeInputCentsPerMinute = getEnvFloat("COST_REALTIME_INPUT_CENTS_PER_MIN", 6.0)

	// RealtimeOutputCentsPerMinute is the cost per minute of audio the agent speaks.
	// Default: $0.24/min = 24 cents/min
	RealtimeOutputCentsPerMinute = getEnvFloat("COST_REALTIME_OUTPUT_CENTS_PER_MIN", 24.0)

	// AnalysisCentsPerThousandInputTokens is the cost per 1K input tokens for post-call extraction.
	// Default: $0.15/1M = 0.015 cents/1K tokens
	AnalysisCentsPerThousandInputTokens = getEnvFloat("COST_ANALYSIS_INPUT_CENTS_PER_1K", 0.015)

	// AnalysisCentsPerThousandOutputTokens is the cost per 1K output tokens for post-call extraction.
	// Default: $0.60/1M = 0.06 cents/1K tokens
	AnalysisCentsPerThousandOutputTokens = getEnvFloat("COST_ANALYSIS_OUTPUT_CENTS_PER_1K", 0.06)

	// SpokenCharsPerSecond converts agent transcript length to speaking time.
	SpokenCharsPerSecond = getEnvFloat("COST_SPOKEN_CHARS_PER_SEC", 15.0)
)

// CallMetrics contains the raw metrics from a call used for cost calculation.
type CallMetrics struct {
	CallDurationSeconds  int // Billed call duration reported by the provider
	AgentSpeechSeconds   int // Time the agent spent talking
	AnalysisInputTokens  int // Tokens sent to the post-call extractor
	AnalysisOutputTokens int // Tokens received from the post-call extractor
}

// CallCosts contains the calculated costs for a call in cents.
type CallCosts struct {
	TelephonyCostCents int `json:"telephonyCostCents"`
	AgentCostCents     int `json:"agentCostCents"`
	AnalysisCostCents  int `json:"analysisCostCents"`
	TotalCostCents     int `json:"totalCostCents"`
}

// CalculateCallCosts computes the costs for a call based on usage metrics.
func CalculateCallCosts(m CallMetrics) CallCosts {
	// Telephony bills every started minute.
	billedMinutes := math.Ceil(float64(m.CallDurationSeconds) / 60.0)
	telephonyCents := billedMinutes * TwilioCentsPerMinute

	// The caller's side streams for the whole call; the agent only while speaking.
	inputCents := float64(m.CallDurationSeconds) / 60.0 * RealtimeInputCentsPerMinute
	outputCents := float64(m.AgentSpeechSeconds) / 60.0 * RealtimeOutputCentsPerMinute

	analysisCents := (float64(m.AnalysisInputTokens)/1000.0)*AnalysisCentsPerThousandInputTokens +
		(float64(m.AnalysisOutputTokens)/1000.0)*AnalysisCentsPerThousandOutputTokens

	costs := CallCosts{
		TelephonyCostCents: roundToInt(telephonyCents),
		AgentCostCents:     roundToInt(inputCents + outputCents),
		AnalysisCostCents:  roundToInt(analysisCents),
	}
	costs.TotalCostCents = costs.TelephonyCostCents + costs.AgentCostCents + costs.AnalysisCostCents

	return costs
}

// EstimateSpeechSeconds converts a number of spoken characters into seconds
// of audio, rounding up.
func EstimateSpeechSeconds(chars int) int {
	if chars <= 0 || SpokenCharsPerSecond <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / SpokenCharsPerSecond))
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
