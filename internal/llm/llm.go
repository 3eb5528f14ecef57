package llm

import (
	"context"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// Extraction is the model's reading of a finished call.
type Extraction struct {
	Quote       *ExtractedQuote       `json:"quote"`
	Appointment *ExtractedAppointment `json:"appointment"`
	Summary     string                `json:"summary"`
}

// ExtractedQuote is a price the business stated.
type ExtractedQuote struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Display  string  `json:"display"`
}

// ExtractedAppointment is a booking both sides agreed to.
type ExtractedAppointment struct {
	When string `json:"when"`
}

// Usage reports the tokens a request consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Client defines the interface for LLM providers.
type Client interface {
	// ExtractOutcome reads a transcript and returns any quote or appointment in it.
	ExtractOutcome(ctx context.Context, cc callstate.CallContext, transcript []callstate.TranscriptLine) (*Extraction, Usage, error)
}
