package llm

import (
	"fmt"
	"strings"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// ExtractionSystemPrompt tells the model what to pull out of a call transcript.
const ExtractionSystemPrompt = `You review transcripts of phone calls an assistant made to businesses on a customer's behalf.
Extract only what the BUSINESS actually committed to. Do not guess and do not use prices the assistant proposed.

Reply with ONLY valid JSON in this shape:

{
  "quote": {"amount": 45.0, "currency": "USD", "display": "$45"} or null,
  "appointment": {"when": "Friday at 7pm"} or null,
  "summary": "one sentence describing the result of the call"
}

Rules:
- quote: the final total price quoted for what the customer asked for. If several prices were mentioned, use the last one the business confirmed.
- appointment: only if a time was agreed by both sides. Keep the business's wording for the time.
- currency: ISO 4217 code. Use USD when the transcript uses "$" or "dollars".
- summary: at most 25 words.`

// FormatTranscript renders a transcript with the call's request as context.
func FormatTranscript(cc callstate.CallContext, transcript []callstate.TranscriptLine) string {
	var b strings.Builder
	if cc.BusinessName != "" {
		fmt.Fprintf(&b, "Business: %s\n", cc.BusinessName)
	}
	fmt.Fprintf(&b, "Customer request: %s\n\nTranscript:\n", cc.UserRequest)
	for _, line := range transcript {
		who := "Business"
		if line.Speaker == callstate.SpeakerAgent {
			who = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, line.Text)
	}
	return b.String()
}
