package agent

import (
	"context"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// EventKind identifies what an agent event carries.
type EventKind int

const (
	// EventAudio carries synthesized speech, μ-law 8kHz, ready for the caller.
	EventAudio EventKind = iota + 1
	// EventTranscript carries one finished line of either party's speech.
	EventTranscript
	// EventSpeechStarted means the caller started talking over the agent.
	EventSpeechStarted
	// EventHangup means the agent decided the conversation is over.
	EventHangup
	// EventError reports a provider error. The connection may still be usable.
	EventError
)

// Event is one message from the speech agent, in the order it was emitted.
type Event struct {
	Kind    EventKind
	Audio   []byte
	Speaker callstate.Speaker
	Text    string
	Reason  string
	Err     error
}

// Briefing configures the agent for one call.
type Briefing struct {
	Instructions string
	Voice        string
	// SpeakFirst makes the agent open the conversation instead of waiting
	// for the callee to answer with a greeting.
	SpeakFirst bool
}

// Conn is a live speech-agent session for one call.
type Conn interface {
	// SendAudio forwards one frame of caller audio (μ-law 8kHz).
	SendAudio(ctx context.Context, audio []byte) error

	// Events returns agent output. The channel is closed after the
	// connection ends, whichever side closed it.
	Events() <-chan Event

	// Close ends the session. Safe to call more than once.
	Close() error
}

// Dialer opens agent sessions.
type Dialer interface {
	Dial(ctx context.Context, b Briefing) (Conn, error)
}
