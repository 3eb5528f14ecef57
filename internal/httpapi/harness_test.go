package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/callbridge/internal/agent"
	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/calls"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/outcome"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

const (
	testAuthToken = "twilio-test-token"
	testJWTSecret = "test-secret-key"
)

// fakeTwilio stands in for the Twilio REST API.
type fakeTwilio struct {
	srv *httptest.Server

	mu      sync.Mutex
	sid     string
	reject  bool
	placed  []url.Values
	hangups chan string
}

func newFakeTwilio(t *testing.T) *fakeTwilio {
	f := &fakeTwilio{sid: "CA-pizza", hangups: make(chan string, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasSuffix(req.URL.Path, "/Calls.json"):
			if f.reject {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code": 21211, "message": "Invalid 'To' Phone Number", "status": 400}`))
				return
			}
			f.placed = append(f.placed, req.PostForm)
			_, _ = w.Write([]byte(`{"sid": "` + f.sid + `", "status": "queued"}`))
		case strings.Contains(req.URL.Path, "/Calls/"):
			sid := strings.TrimSuffix(req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:], ".json")
			f.hangups <- sid
			_, _ = w.Write([]byte(`{"sid": "` + sid + `", "status": "completed"}`))
		default:
			http.NotFound(w, req)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTwilio) lastPlaced(t *testing.T) url.Values {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placed) == 0 {
		t.Fatal("no call was placed")
	}
	return f.placed[len(f.placed)-1]
}

// fakeAgent is an agent.Conn the test drives through its events channel.
type fakeAgent struct {
	events chan agent.Event
	audio  chan []byte
	once   sync.Once
	closed chan struct{}
}

func (a *fakeAgent) SendAudio(_ context.Context, audio []byte) error {
	select {
	case <-a.closed:
		return agent.ErrClosed
	case a.audio <- audio:
	default:
	}
	return nil
}

func (a *fakeAgent) Events() <-chan agent.Event { return a.events }

func (a *fakeAgent) Close() error {
	a.once.Do(func() {
		close(a.closed)
		close(a.events)
	})
	return nil
}

type fakeDialer struct {
	dialed chan *fakeAgent
}

func (d *fakeDialer) Dial(context.Context, agent.Briefing) (agent.Conn, error) {
	a := &fakeAgent{
		events: make(chan agent.Event, 16),
		audio:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	d.dialed <- a
	return a, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeAgent {
	t.Helper()
	select {
	case a := <-d.dialed:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never dialed")
		return nil
	}
}

// harness runs the full HTTP surface against fake Twilio and agent backends.
type harness struct {
	twilio   *fakeTwilio
	dialer   *fakeDialer
	sessions *callstate.Store
	registry *CallRegistry
	srv      *httptest.Server
	token    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	h := &harness{
		twilio:   newFakeTwilio(t),
		dialer:   &fakeDialer{dialed: make(chan *fakeAgent, 4)},
		sessions: callstate.NewStore(),
		registry: NewCallRegistry(),
	}

	// PublicBaseURL must be the server's own address, which only exists
	// once the server is listening.
	var handler http.Handler
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handler.ServeHTTP(w, req)
	}))
	t.Cleanup(h.srv.Close)

	client := twilio.NewClient(twilio.Config{
		AccountSID: "AC123",
		AuthToken:  testAuthToken,
		BaseURL:    h.twilio.srv.URL,
	})
	h.sessions.OnTranscript(outcome.NewWatcher(outcome.Heuristic{}, h.sessions, logger).OnLine)

	initiator := calls.NewInitiator(calls.InitiatorConfig{
		FromNumber:    "+15550001111",
		PublicBaseURL: h.srv.URL,
	}, client, h.sessions, nil, logger)
	ingestor := calls.NewIngestor(twilio.NewSignatureVerifier(testAuthToken, false, logger), h.sessions, client, nil, logger)
	b := bridge.New(bridge.Config{DisconnectGrace: 20 * time.Millisecond}, bridge.Deps{
		Sessions: h.sessions,
		Dialer:   h.dialer,
		Hanger:   client,
	}, logger)

	handler = NewRouter(RouterConfig{PublicBaseURL: h.srv.URL, JWTSecret: testJWTSecret}, Deps{
		Sessions:  h.sessions,
		Initiator: initiator,
		Ingestor:  ingestor,
		Bridge:    b,
		Calls:     h.registry,
	}, logger)

	token, err := IssueToken(testJWTSecret, "tester", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	h.token = token
	return h
}

// do sends an authenticated API request.
func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) placeCall(t *testing.T, body string) calls.Handle {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/calls", body)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("place call status = %d, body: %s", resp.StatusCode, b)
	}
	var handle calls.Handle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	return handle
}

func (h *harness) poll(t *testing.T, callID string) callstate.Session {
	t.Helper()
	resp := h.do(t, http.MethodGet, "/api/calls/"+callID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	var s callstate.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

// pollUntil polls until cond holds or two seconds pass.
func (h *harness) pollUntil(t *testing.T, callID string, cond func(callstate.Session) bool) callstate.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.poll(t, callID)
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last session: %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// postStatus sends a status callback signed the way Twilio signs it.
func (h *harness) postStatus(t *testing.T, form url.Values) int {
	t.Helper()
	return h.postSignedStatus(t, form, twilio.ComputeSignature(testAuthToken, h.srv.URL+"/telephony/status", form))
}

func (h *harness) postSignedStatus(t *testing.T, form url.Values, signature string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/telephony/status", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status callback: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func statusForm(callID, callStatus string, extra ...string) url.Values {
	form := url.Values{}
	form.Set("AccountSid", "AC123")
	form.Set("CallSid", callID)
	form.Set("CallStatus", callStatus)
	for i := 0; i+1 < len(extra); i += 2 {
		form.Set(extra[i], extra[i+1])
	}
	return form
}
