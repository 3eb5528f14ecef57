package calls

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

type fakeProvider struct {
	mu       sync.Mutex
	placed   []twilio.MakeCallParams
	hungUp   []string
	sid      string
	err      error
	block    bool
	hangupCh chan string
}

func (p *fakeProvider) MakeCall(ctx context.Context, params twilio.MakeCallParams) (*twilio.Call, error) {
	p.mu.Lock()
	p.placed = append(p.placed, params)
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &twilio.Call{SID: p.sid, Status: "queued", To: params.To, From: params.From}, nil
}

func (p *fakeProvider) Hangup(ctx context.Context, callSID string) error {
	p.mu.Lock()
	p.hungUp = append(p.hungUp, callSID)
	p.mu.Unlock()
	if p.hangupCh != nil {
		p.hangupCh <- callSID
	}
	return nil
}

func newTestInitiator(p *fakeProvider, sessions *callstate.Store) *Initiator {
	return NewInitiator(InitiatorConfig{
		FromNumber:       "+15550000000",
		PublicBaseURL:    "https://bridge.example.com/",
		AcceptTimeout:    200 * time.Millisecond,
		MachineDetection: "Enable",
	}, p, sessions, nil, log.New(io.Discard, "", 0))
}

func pizzaContext() callstate.CallContext {
	return callstate.CallContext{
		BusinessName:      "Tony's Pizza",
		DestinationNumber: "+1 (555) 123-4567",
		UserRequest:       "Ask for a quote on 3 large pizzas for Friday",
		Category:          "food",
	}
}

func TestPlaceCall(t *testing.T) {
	p := &fakeProvider{sid: "CA123"}
	sessions := callstate.NewStore()
	in := newTestInitiator(p, sessions)

	h, err := in.PlaceCall(context.Background(), pizzaContext())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if h.CallID != "CA123" || h.Status != callstate.StatusQueued {
		t.Fatalf("handle = %+v", h)
	}
	if h.WebsocketEndpoint != "wss://bridge.example.com/media" {
		t.Fatalf("websocket endpoint = %q", h.WebsocketEndpoint)
	}

	if len(p.placed) != 1 {
		t.Fatalf("placed %d calls, want 1", len(p.placed))
	}
	got := p.placed[0]
	if got.To != "+15551234567" {
		t.Errorf("To = %q, want normalized number", got.To)
	}
	if got.From != "+15550000000" {
		t.Errorf("From = %q", got.From)
	}
	if got.StatusCallback != "https://bridge.example.com/telephony/status" {
		t.Errorf("StatusCallback = %q", got.StatusCallback)
	}
	if !strings.Contains(got.Twiml, `<Stream url="wss://bridge.example.com/media">`) {
		t.Errorf("Twiml = %q", got.Twiml)
	}
	if got.MachineDetection != "Enable" {
		t.Errorf("MachineDetection = %q", got.MachineDetection)
	}
	if len(got.StatusCallbackEvent) != 4 {
		t.Errorf("StatusCallbackEvent = %v", got.StatusCallbackEvent)
	}

	sess, ok := sessions.Get("CA123")
	if !ok {
		t.Fatal("session not created")
	}
	if sess.Status != callstate.StatusQueued || sess.Context.BusinessName != "Tony's Pizza" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestPlaceCallValidation(t *testing.T) {
	tests := []struct {
		name  string
		cc    callstate.CallContext
		field string
	}{
		{"missing number", callstate.CallContext{UserRequest: "hi"}, "destinationNumber"},
		{"blank number", callstate.CallContext{DestinationNumber: "  ", UserRequest: "hi"}, "destinationNumber"},
		{"letters", callstate.CallContext{DestinationNumber: "call-me-maybe", UserRequest: "hi"}, "destinationNumber"},
		{"too short", callstate.CallContext{DestinationNumber: "12345", UserRequest: "hi"}, "destinationNumber"},
		{"missing request", callstate.CallContext{DestinationNumber: "+15551234567"}, "userRequest"},
		{"blank request", callstate.CallContext{DestinationNumber: "+15551234567", UserRequest: "   "}, "userRequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{sid: "CA1"}
			sessions := callstate.NewStore()
			in := newTestInitiator(p, sessions)

			_, err := in.PlaceCall(context.Background(), tt.cc)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("err = %v, want field %q", err, tt.field)
			}
			if len(p.placed) != 0 {
				t.Fatal("provider was called for an invalid request")
			}
			if sessions.Len() != 0 {
				t.Fatal("session created for an invalid request")
			}
		})
	}
}

func TestPlaceCallProviderRejects(t *testing.T) {
	p := &fakeProvider{err: &twilio.Error{Code: 21211, Message: "Invalid 'To' Phone Number", Status: 400}}
	sessions := callstate.NewStore()
	in := newTestInitiator(p, sessions)

	_, err := in.PlaceCall(context.Background(), pizzaContext())
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if pe.Timeout {
		t.Fatal("rejection reported as timeout")
	}
	var te *twilio.Error
	if !errors.As(err, &te) || te.Code != 21211 {
		t.Fatalf("provider error not wrapped: %v", err)
	}
	if sessions.Len() != 0 {
		t.Fatal("session created for a rejected call")
	}
}

func TestPlaceCallTimeout(t *testing.T) {
	p := &fakeProvider{block: true}
	sessions := callstate.NewStore()
	in := newTestInitiator(p, sessions)

	start := time.Now()
	_, err := in.PlaceCall(context.Background(), pizzaContext())
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Timeout {
		t.Fatalf("err = %v, want timeout ProviderError", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("accept timeout not applied")
	}
	if sessions.Len() != 0 {
		t.Fatal("session created for a timed out call")
	}
}

func TestOperatorHangup(t *testing.T) {
	p := &fakeProvider{sid: "CA9"}
	sessions := callstate.NewStore()
	in := newTestInitiator(p, sessions)

	if _, err := in.Hangup(context.Background(), "nope"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("unknown call err = %v", err)
	}

	if _, err := in.PlaceCall(context.Background(), pizzaContext()); err != nil {
		t.Fatal(err)
	}
	sessions.SetStatus("CA9", callstate.StatusInProgress, time.Time{}, "")

	sess, err := in.Hangup(context.Background(), "CA9")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if sess.Status != callstate.StatusCompleted || sess.EndReason != "canceled by operator" {
		t.Fatalf("session = %+v", sess)
	}
	if len(p.hungUp) != 1 || p.hungUp[0] != "CA9" {
		t.Fatalf("provider hangups = %v", p.hungUp)
	}

	// Already over: no second provider request.
	if _, err := in.Hangup(context.Background(), "CA9"); err != nil {
		t.Fatal(err)
	}
	if len(p.hungUp) != 1 {
		t.Fatalf("provider hangups = %v", p.hungUp)
	}
}

func TestWSURLFromPublicBase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://example.com", "wss://example.com"},
		{"http://localhost:8080", "ws://localhost:8080"},
		{"example.com", "wss://example.com"},
	}
	for _, tt := range tests {
		if got := WSURLFromPublicBase(tt.in); got != tt.want {
			t.Errorf("WSURLFromPublicBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

const (
	testToken = "test-auth-token"
	statusURL = "https://bridge.example.com/telephony/status"
)

func signedForm(kv ...string) (url.Values, string) {
	form := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		form.Set(kv[i], kv[i+1])
	}
	return form, twilio.ComputeSignature(testToken, statusURL, form)
}

func newTestIngestor(sessions *callstate.Store, hanger Hanger) *Ingestor {
	logger := log.New(io.Discard, "", 0)
	return NewIngestor(twilio.NewSignatureVerifier(testToken, false, logger), sessions, hanger, nil, logger)
}

func TestIngestLifecycle(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	in := newTestIngestor(sessions, nil)

	steps := []struct {
		status string
		want   callstate.Status
		result IngestResult
	}{
		{"initiated", callstate.StatusQueued, Unchanged},
		{"ringing", callstate.StatusRinging, Applied},
		{"in-progress", callstate.StatusInProgress, Applied},
		{"ringing", callstate.StatusInProgress, Unchanged},
		{"completed", callstate.StatusCompleted, Applied},
		{"completed", callstate.StatusCompleted, Unchanged},
		{"busy", callstate.StatusCompleted, Unchanged},
	}
	for _, s := range steps {
		form, sig := signedForm("CallSid", "CA1", "CallStatus", s.status)
		res, err := in.Ingest(statusURL, form, sig)
		if err != nil {
			t.Fatalf("%s: %v", s.status, err)
		}
		if res != s.result {
			t.Errorf("%s: result = %d, want %d", s.status, res, s.result)
		}
		sess, _ := sessions.Get("CA1")
		if sess.Status != s.want {
			t.Fatalf("after %s: status = %s, want %s", s.status, sess.Status, s.want)
		}
	}

	sess, _ := sessions.Get("CA1")
	if sess.EndTime == nil || sess.EndReason != "call completed" {
		t.Fatalf("terminal session = %+v", sess)
	}
}

func TestIngestDurationAndTimestamp(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	in := newTestIngestor(sessions, nil)

	form, sig := signedForm(
		"CallSid", "CA1",
		"CallStatus", "completed",
		"CallDuration", "47",
		"Timestamp", "Mon, 19 Oct 2026 10:00:00 +0000",
	)
	if _, err := in.Ingest(statusURL, form, sig); err != nil {
		t.Fatal(err)
	}
	sess, _ := sessions.Get("CA1")
	if sess.DurationSeconds != 47 {
		t.Errorf("duration = %d, want 47", sess.DurationSeconds)
	}
	want := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	if sess.EndTime == nil || !sess.EndTime.Equal(want) {
		t.Errorf("end time = %v, want %v", sess.EndTime, want)
	}
}

// recordingEvents keeps the event types logged for each call.
type recordingEvents struct {
	mu     sync.Mutex
	events []eventlog.EventType
}

func (r *recordingEvents) LogAsync(_ string, eventType eventlog.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingEvents) count(eventType eventlog.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func TestIngestLateDuration(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	events := &recordingEvents{}
	logger := log.New(io.Discard, "", 0)
	in := NewIngestor(twilio.NewSignatureVerifier(testToken, false, logger), sessions, nil, events, logger)

	form, sig := signedForm("CallSid", "CA1", "CallStatus", "completed")
	if got, err := in.Ingest(statusURL, form, sig); err != nil || got != Applied {
		t.Fatalf("completed: result = %v, err = %v", got, err)
	}

	form, sig = signedForm("CallSid", "CA1", "CallStatus", "completed", "CallDuration", "52")
	got, err := in.Ingest(statusURL, form, sig)
	if err != nil || got != Applied {
		t.Fatalf("late duration: result = %v, err = %v", got, err)
	}

	sess, _ := sessions.Get("CA1")
	if sess.Status != callstate.StatusCompleted || sess.DurationSeconds != 52 {
		t.Errorf("session = %s/%ds, want completed/52s", sess.Status, sess.DurationSeconds)
	}
	if n := events.count(eventlog.EventStatusChanged); n != 1 {
		t.Errorf("status_changed events = %d, want 1", n)
	}

	// The same report again changes nothing.
	if got, _ := in.Ingest(statusURL, form, sig); got != Unchanged {
		t.Errorf("repeat duration: result = %v, want Unchanged", got)
	}
}

func corruptSignature(sig string) string {
	if sig[0] == 'A' {
		return "B" + sig[1:]
	}
	return "A" + sig[1:]
}

func TestIngestRejectsBadSignature(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	in := newTestIngestor(sessions, nil)

	form, sig := signedForm("CallSid", "CA1", "CallStatus", "completed")

	tests := []struct {
		name string
		sig  string
		url  string
		want error
	}{
		{"missing", "", statusURL, twilio.ErrMissingSignature},
		{"corrupted", corruptSignature(sig), statusURL, twilio.ErrInvalidSignature},
		{"other url", sig, "https://evil.example.com/telephony/status", twilio.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Ingest(tt.url, form, tt.sig)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			sess, _ := sessions.Get("CA1")
			if sess.Status != callstate.StatusQueued {
				t.Fatalf("status changed to %s by a rejected callback", sess.Status)
			}
		})
	}
}

func TestIngestUnknownAndUnrecognized(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	in := newTestIngestor(sessions, nil)

	form, sig := signedForm("CallSid", "CA-missing", "CallStatus", "completed")
	res, err := in.Ingest(statusURL, form, sig)
	if err != nil || res != UnknownCall {
		t.Fatalf("unknown call: res=%d err=%v", res, err)
	}
	if sessions.Len() != 1 {
		t.Fatal("callback created a session")
	}

	form, sig = signedForm("CallSid", "CA1", "CallStatus", "teleported")
	res, err = in.Ingest(statusURL, form, sig)
	if err != nil || res != Unrecognized {
		t.Fatalf("unrecognized: res=%d err=%v", res, err)
	}
	sess, _ := sessions.Get("CA1")
	if sess.Status != callstate.StatusQueued {
		t.Fatalf("status = %s", sess.Status)
	}
}

func TestIngestMachineAnswered(t *testing.T) {
	tests := []struct {
		answeredBy string
		reason     string
	}{
		{"machine_start", "voicemail detected"},
		{"machine_end_beep", "voicemail detected"},
		{"fax", "fax machine detected"},
	}
	for _, tt := range tests {
		t.Run(tt.answeredBy, func(t *testing.T) {
			sessions := callstate.NewStore()
			sessions.Create("CA1", pizzaContext())
			hanger := &fakeProvider{hangupCh: make(chan string, 1)}
			in := newTestIngestor(sessions, hanger)

			form, sig := signedForm("CallSid", "CA1", "CallStatus", "in-progress", "AnsweredBy", tt.answeredBy)
			if _, err := in.Ingest(statusURL, form, sig); err != nil {
				t.Fatal(err)
			}
			sess, _ := sessions.Get("CA1")
			if sess.Status != callstate.StatusNoAnswer || sess.EndReason != tt.reason {
				t.Fatalf("session = %s %q", sess.Status, sess.EndReason)
			}

			select {
			case sid := <-hanger.hangupCh:
				if sid != "CA1" {
					t.Fatalf("hung up %q", sid)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("machine-answered call was not hung up")
			}
		})
	}
}

func TestIngestCanceledIsFailed(t *testing.T) {
	sessions := callstate.NewStore()
	sessions.Create("CA1", pizzaContext())
	in := newTestIngestor(sessions, nil)

	form, sig := signedForm("CallSid", "CA1", "CallStatus", "canceled")
	if _, err := in.Ingest(statusURL, form, sig); err != nil {
		t.Fatal(err)
	}
	sess, _ := sessions.Get("CA1")
	if sess.Status != callstate.StatusFailed || sess.EndReason != "call canceled" {
		t.Fatalf("session = %s %q", sess.Status, sess.EndReason)
	}
}
