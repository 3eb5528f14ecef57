package callstate

import "time"

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusFailed     Status = "failed"

	// StatusUnknown is only ever reported for ids the store does not hold.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// rank orders statuses along queued -> ringing -> in-progress -> terminal.
// All terminal statuses share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed:
		return 3
	}
	return -1
}

// Valid reports whether s is a status a session can hold.
func (s Status) Valid() bool { return s.rank() >= 0 }

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// CallContext is the briefing supplied when a call is placed. It never
// changes after the session is created.
type CallContext struct {
	BusinessName      string `json:"businessName"`
	DestinationNumber string `json:"destinationNumber"`
	UserRequest       string `json:"userRequest"`
	Category          string `json:"category,omitempty"`
	CallerContext     string `json:"callerContext,omitempty"`
}

type TranscriptLine struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote is a price mentioned during the call.
type Quote struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Display  string  `json:"display"`
	Source   string  `json:"source"`
}

// Appointment is a booking agreed during the call.
type Appointment struct {
	When   string `json:"when"`
	Source string `json:"source"`
}

// Session is a point-in-time copy of one call's live state. Mutating a
// Session returned by the store has no effect on the store.
type Session struct {
	CallID          string           `json:"callId"`
	Status          Status           `json:"status"`
	Context         CallContext      `json:"context"`
	Transcript      []TranscriptLine `json:"transcript"`
	Quote           *Quote           `json:"quote"`
	Appointment     *Appointment     `json:"appointment"`
	EndReason       string           `json:"endReason,omitempty"`
	StartTime       *time.Time       `json:"startTime"`
	AnsweredAt      *time.Time       `json:"answeredAt,omitempty"`
	EndTime         *time.Time       `json:"endTime"`
	DurationSeconds int              `json:"durationSeconds,omitempty"`
}

// Unknown is the shape reported for a call id the store does not hold.
func Unknown(callID string) Session {
	return Session{
		CallID:     callID,
		Status:     StatusUnknown,
		Transcript: []TranscriptLine{},
	}
}

func (s Session) clone() Session {
	out := s
	out.Transcript = make([]TranscriptLine, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	if s.Quote != nil {
		q := *s.Quote
		out.Quote = &q
	}
	if s.Appointment != nil {
		a := *s.Appointment
		out.Appointment = &a
	}
	out.StartTime = cloneTime(s.StartTime)
	out.AnsweredAt = cloneTime(s.AnsweredAt)
	out.EndTime = cloneTime(s.EndTime)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
