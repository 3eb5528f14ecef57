package notifications

import (
	"fmt"
	"strings"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// CallSummary is what every notifier reports about a finished call.
type CallSummary struct {
	CallID          string
	BusinessName    string
	Destination     string
	UserRequest     string
	Status          callstate.Status
	EndReason       string
	Quote           string
	Appointment     string
	DurationSeconds int
	CostCents       int
}

// Summarize builds a CallSummary from a finished session.
func Summarize(s callstate.Session, costCents int) CallSummary {
	sum := CallSummary{
		CallID:          s.CallID,
		BusinessName:    s.Context.BusinessName,
		Destination:     s.Context.DestinationNumber,
		UserRequest:     s.Context.UserRequest,
		Status:          s.Status,
		EndReason:       s.EndReason,
		DurationSeconds: s.DurationSeconds,
		CostCents:       costCents,
	}
	if s.Quote != nil {
		sum.Quote = s.Quote.Display
		if sum.Quote == "" {
			sum.Quote = fmt.Sprintf("%.2f %s", s.Quote.Amount, s.Quote.Currency)
		}
	}
	if s.Appointment != nil {
		sum.Appointment = s.Appointment.When
	}
	return sum
}

// Callee names the other party for display.
func (s CallSummary) Callee() string {
	if s.BusinessName != "" {
		return s.BusinessName
	}
	return s.Destination
}

// Headline is a one-line description of how the call went.
func (s CallSummary) Headline() string {
	var parts []string
	if s.Quote != "" {
		parts = append(parts, "quote "+s.Quote)
	}
	if s.Appointment != "" {
		parts = append(parts, "booked "+s.Appointment)
	}
	if len(parts) == 0 {
		if s.EndReason != "" {
			return fmt.Sprintf("%s: %s (%s)", s.Callee(), s.Status, s.EndReason)
		}
		return fmt.Sprintf("%s: %s", s.Callee(), s.Status)
	}
	return s.Callee() + ": " + strings.Join(parts, ", ")
}
