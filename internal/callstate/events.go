package callstate

import (
	"strings"
	"time"
)

// Event is a typed change to one session. Events for the same call are
// applied one at a time under that session's lock.
type Event interface {
	apply(s *Session, now time.Time) result
}

// result describes what an applied event changed.
type result struct {
	changed  bool
	terminal bool
	line     *TranscriptLine
}

// StatusChanged moves a session along its lifecycle. Backward moves and any
// move out of a terminal status are ignored.
type StatusChanged struct {
	Status          Status
	EndReason       string
	At              time.Time
	DurationSeconds int
}

func (e StatusChanged) apply(s *Session, now time.Time) result {
	at := e.At
	if at.IsZero() {
		at = now
	}

	if s.Status.Terminal() {
		// Late duration reports are still recorded.
		if e.DurationSeconds > 0 && s.DurationSeconds == 0 {
			s.DurationSeconds = e.DurationSeconds
			return result{changed: true}
		}
		return result{}
	}
	if !e.Status.Valid() || e.Status.rank() < s.Status.rank() || e.Status == s.Status {
		return result{}
	}

	s.Status = e.Status
	if e.DurationSeconds > 0 {
		s.DurationSeconds = e.DurationSeconds
	}
	if e.Status == StatusInProgress && s.AnsweredAt == nil {
		s.AnsweredAt = &at
	}
	if e.Status.Terminal() {
		s.EndTime = &at
		s.EndReason = e.EndReason
		if s.EndReason == "" {
			s.EndReason = defaultEndReason(e.Status)
		}
		return result{changed: true, terminal: true}
	}
	return result{changed: true}
}

func defaultEndReason(s Status) string {
	switch s {
	case StatusCompleted:
		return "call completed"
	case StatusBusy:
		return "line busy"
	case StatusNoAnswer:
		return "no answer"
	case StatusFailed:
		return "call failed"
	}
	return ""
}

// TranscriptAppended adds one line to the end of the transcript.
type TranscriptAppended struct {
	Line TranscriptLine
}

func (e TranscriptAppended) apply(s *Session, now time.Time) result {
	line := e.Line
	line.Text = strings.TrimSpace(line.Text)
	if line.Text == "" {
		return result{}
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = now
	}
	s.Transcript = append(s.Transcript, line)
	return result{changed: true, line: &line}
}

// OutcomeFound records a quote and/or appointment. A field that is already
// set is kept.
type OutcomeFound struct {
	Quote       *Quote
	Appointment *Appointment
}

func (e OutcomeFound) apply(s *Session, _ time.Time) result {
	var changed bool
	if e.Quote != nil && s.Quote == nil {
		q := *e.Quote
		s.Quote = &q
		changed = true
	}
	if e.Appointment != nil && s.Appointment == nil {
		a := *e.Appointment
		s.Appointment = &a
		changed = true
	}
	return result{changed: changed}
}
