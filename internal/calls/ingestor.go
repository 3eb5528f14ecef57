package calls

import (
	"context"
	"log"
	"net/url"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

// Verifier checks webhook signatures. *twilio.SignatureVerifier satisfies it.
type Verifier interface {
	Verify(fullURL string, params url.Values, signature string) error
}

// IngestResult says what happened to an authentic callback.
type IngestResult int

const (
	// Applied means the callback changed the session.
	Applied IngestResult = iota + 1
	// Unchanged means the session already reflected the callback, or the
	// callback would have moved it backwards.
	Unchanged
	// UnknownCall means no session exists for the call id.
	UnknownCall
	// Unrecognized means the callback's status could not be mapped.
	Unrecognized
)

// Ingestor applies provider status callbacks to the session store.
type Ingestor struct {
	verifier Verifier
	sessions Sessions
	hanger   Hanger
	events   EventLogger
	logger   *log.Logger
}

// Hanger ends a call at the provider.
type Hanger interface {
	Hangup(ctx context.Context, callSID string) error
}

func NewIngestor(verifier Verifier, sessions Sessions, hanger Hanger, events EventLogger, logger *log.Logger) *Ingestor {
	if events == nil {
		events = (*eventlog.Logger)(nil)
	}
	return &Ingestor{verifier: verifier, sessions: sessions, hanger: hanger, events: events, logger: logger}
}

// Ingest verifies and applies one status callback. A non-nil error means
// the signature check failed and nothing was changed.
func (in *Ingestor) Ingest(fullURL string, form url.Values, signature string) (IngestResult, error) {
	if err := in.verifier.Verify(fullURL, form, signature); err != nil {
		in.logger.Printf("SECURITY: status: rejected callback for %s (CallSid=%s): %v", fullURL, form.Get("CallSid"), err)
		in.events.LogAsync(form.Get("CallSid"), eventlog.EventSignatureRejected, map[string]any{"error": err.Error()})
		return 0, err
	}

	cb := twilio.ParseStatusCallback(form)
	status, reason, ok := cb.Outcome.Target()
	if !ok {
		in.logger.Printf("status: call %s unrecognized status %q (answeredBy=%q)", cb.CallSID, cb.CallStatus, cb.AnsweredBy)
		return Unrecognized, nil
	}

	before, exists := in.sessions.Get(cb.CallSID)
	if !exists {
		in.logger.Printf("status: no session for call %s (%s), ignoring", cb.CallSID, cb.CallStatus)
		return UnknownCall, nil
	}

	changed := in.sessions.Apply(cb.CallSID, callstate.StatusChanged{
		Status:          status,
		EndReason:       reason,
		At:              cb.At,
		DurationSeconds: cb.DurationSeconds,
	})
	if !changed {
		return Unchanged, nil
	}

	// A terminal session only takes a late duration; its status stays put.
	if before.Status.Terminal() {
		in.logger.Printf("status: call %s %s duration updated to %ds", cb.CallSID, before.Status, cb.DurationSeconds)
		return Applied, nil
	}

	in.logger.Printf("status: call %s %s -> %s (%s)", cb.CallSID, before.Status, status, cb.Outcome)
	in.events.LogAsync(cb.CallSID, eventlog.EventStatusChanged, map[string]any{
		"from":        string(before.Status),
		"to":          string(status),
		"call_status": cb.CallStatus,
		"answered_by": cb.AnsweredBy,
		"duration":    cb.DurationSeconds,
	})

	// A machine picked up but the line is still open: stop the agent from
	// talking to a voicemail box.
	if (cb.Outcome == twilio.OutcomeVoicemail || cb.Outcome == twilio.OutcomeFax) &&
		!before.Status.Terminal() && cb.CallStatus != "completed" && in.hanger != nil {
		go func(callSID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := in.hanger.Hangup(ctx, callSID); err != nil {
				in.logger.Printf("status: failed to hang up machine-answered call %s: %v", callSID, err)
			}
		}(cb.CallSID)
	}
	return Applied, nil
}
