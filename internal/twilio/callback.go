package twilio

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// Outcome is what a status callback says happened to the call. Raw Twilio
// status and AnsweredBy strings are folded into it once, here.
type Outcome int

const (
	OutcomeUnrecognized Outcome = iota
	OutcomeQueued
	OutcomeRinging
	OutcomeAnswered
	OutcomeCompleted
	OutcomeBusy
	OutcomeNoAnswer
	OutcomeFailed
	OutcomeCanceled
	OutcomeVoicemail
	OutcomeFax
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeRinging:
		return "ringing"
	case OutcomeAnswered:
		return "answered"
	case OutcomeCompleted:
		return "completed"
	case OutcomeBusy:
		return "busy"
	case OutcomeNoAnswer:
		return "no-answer"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeVoicemail:
		return "voicemail"
	case OutcomeFax:
		return "fax"
	}
	return "unrecognized"
}

// ParseOutcome classifies a CallStatus / AnsweredBy pair. Any machine or fax
// detection wins over the raw status.
func ParseOutcome(callStatus, answeredBy string) Outcome {
	switch ab := strings.ToLower(strings.TrimSpace(answeredBy)); {
	case strings.HasPrefix(ab, "machine_"):
		return OutcomeVoicemail
	case ab == "fax":
		return OutcomeFax
	}

	switch strings.ToLower(strings.TrimSpace(callStatus)) {
	case "queued", "initiated":
		return OutcomeQueued
	case "ringing":
		return OutcomeRinging
	case "in-progress", "answered":
		return OutcomeAnswered
	case "completed":
		return OutcomeCompleted
	case "busy":
		return OutcomeBusy
	case "no-answer":
		return OutcomeNoAnswer
	case "failed":
		return OutcomeFailed
	case "canceled":
		return OutcomeCanceled
	}
	return OutcomeUnrecognized
}

// Target maps an outcome to the session status it produces and the end
// reason recorded with it. ok is false for unrecognized outcomes.
func (o Outcome) Target() (status callstate.Status, endReason string, ok bool) {
	switch o {
	case OutcomeQueued:
		return callstate.StatusQueued, "", true
	case OutcomeRinging:
		return callstate.StatusRinging, "", true
	case OutcomeAnswered:
		return callstate.StatusInProgress, "", true
	case OutcomeCompleted:
		return callstate.StatusCompleted, "call completed", true
	case OutcomeBusy:
		return callstate.StatusBusy, "line busy", true
	case OutcomeNoAnswer:
		return callstate.StatusNoAnswer, "no answer", true
	case OutcomeFailed:
		return callstate.StatusFailed, "carrier reported failure", true
	case OutcomeCanceled:
		return callstate.StatusFailed, "call canceled", true
	case OutcomeVoicemail:
		return callstate.StatusNoAnswer, "voicemail detected", true
	case OutcomeFax:
		return callstate.StatusNoAnswer, "fax machine detected", true
	}
	return "", "", false
}

// StatusCallback is a parsed status callback request.
type StatusCallback struct {
	CallSID         string
	CallStatus      string
	AnsweredBy      string
	DurationSeconds int
	At              time.Time
	Outcome         Outcome
}

// ParseStatusCallback reads the fields we use from a status callback form.
func ParseStatusCallback(form url.Values) StatusCallback {
	cb := StatusCallback{
		CallSID:    form.Get("CallSid"),
		CallStatus: form.Get("CallStatus"),
		AnsweredBy: form.Get("AnsweredBy"),
	}
	if d, err := strconv.Atoi(form.Get("CallDuration")); err == nil && d > 0 {
		cb.DurationSeconds = d
	}
	if ts := form.Get("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			cb.At = t.UTC()
		}
	}
	cb.Outcome = ParseOutcome(cb.CallStatus, cb.AnsweredBy)
	return cb
}
