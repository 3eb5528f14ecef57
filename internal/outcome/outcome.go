package outcome

import (
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// Result is what an extractor found in a transcript line. Either field may
// be nil.
type Result struct {
	Quote       *callstate.Quote
	Appointment *callstate.Appointment
}

func (r Result) Empty() bool { return r.Quote == nil && r.Appointment == nil }

// Extractor finds structured outcomes in transcript lines.
type Extractor interface {
	Extract(line callstate.TranscriptLine) Result
}

var (
	dollarPattern  = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)
	wordPattern    = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?\s+(dollars|bucks|usd)\b`)
	bookingPattern = regexp.MustCompile(`(?i)\b(book(?:ed|ing)?|appointment|schedul(?:e|ed)|reserv(?:ed|ation)|confirmed|see you|pencil(?:ed)? you in|slot)\b`)
	dayPattern     = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday|next week|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?)\b`)
	timePattern    = regexp.MustCompile(`(?i)\b(\d{1,2}(?::\d{2})?\s?(?:a\.?m\.?|p\.?m\.?)|noon|\d{1,2}:\d{2})`)
)

// Heuristic recognizes dollar amounts and day/time phrases next to booking
// words. It prefers missing an outcome over reporting a wrong one.
type Heuristic struct{}

func (Heuristic) Extract(line callstate.TranscriptLine) Result {
	var r Result
	if q := findQuote(line.Text); q != nil {
		r.Quote = q
	}
	if a := findAppointment(line.Text); a != nil {
		r.Appointment = a
	}
	return r
}

func findQuote(text string) *callstate.Quote {
	m := dollarPattern.FindStringSubmatch(text)
	if m == nil {
		m = wordPattern.FindStringSubmatch(text)
	}
	if m == nil {
		return nil
	}
	amount, err := parseAmount(m[1], m[2])
	if err != nil || amount <= 0 {
		return nil
	}
	return &callstate.Quote{
		Amount:   amount,
		Currency: "USD",
		Display:  "$" + strconv.FormatFloat(amount, 'f', 2, 64),
		Source:   text,
	}
}

func parseAmount(whole, cents string) (float64, error) {
	s := strings.ReplaceAll(whole, ",", "")
	if cents != "" {
		s += "." + cents
	}
	return strconv.ParseFloat(s, 64)
}

func findAppointment(text string) *callstate.Appointment {
	if !bookingPattern.MatchString(text) {
		return nil
	}
	day := dayPattern.FindString(text)
	tm := timePattern.FindString(text)
	if day == "" && tm == "" {
		return nil
	}
	when := strings.TrimSpace(strings.Join(nonEmpty(day, tm), " at "))
	return &callstate.Appointment{When: when, Source: text}
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Store is the part of the session store the watcher writes to.
type Store interface {
	SetOutcome(callID string, q *callstate.Quote, a *callstate.Appointment) bool
}

// Watcher runs an extractor over every new transcript line and records the
// first match of each kind.
type Watcher struct {
	extractor Extractor
	store     Store
	logger    *log.Logger
}

func NewWatcher(e Extractor, s Store, logger *log.Logger) *Watcher {
	return &Watcher{extractor: e, store: s, logger: logger}
}

// OnLine is a callstate.TranscriptHook.
func (w *Watcher) OnLine(callID string, line callstate.TranscriptLine) {
	r := w.extractor.Extract(line)
	if r.Empty() {
		return
	}
	if w.store.SetOutcome(callID, r.Quote, r.Appointment) {
		w.logger.Printf("outcome: call %s quote=%v appointment=%v", callID, r.Quote != nil, r.Appointment != nil)
	}
}
