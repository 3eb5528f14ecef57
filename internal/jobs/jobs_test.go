package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/costs"
	"github.com/lukasbauer/callbridge/internal/llm"
	"github.com/lukasbauer/callbridge/internal/notifications"
	"github.com/lukasbauer/callbridge/internal/store"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type countingSweeper struct {
	sweeps atomic.Int32
}

func (s *countingSweeper) Sweep() int { s.sweeps.Add(1); return 1 }
func (s *countingSweeper) Len() int   { return 0 }

func TestNewSessionSweeperSchedules(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 30, 0, time.UTC)
	tests := []struct {
		spec    string
		want    time.Time
		wantErr bool
	}{
		{"", base.Add(time.Minute), false},
		{"@every 30s", base.Add(30 * time.Second), false},
		{"*/5 * * * *", time.Date(2026, 10, 19, 10, 5, 0, 0, time.UTC), false},
		{"not a schedule", time.Time{}, true},
		{"* * * * * *", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			j, err := NewSessionSweeper(&countingSweeper{}, tt.spec, testLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSessionSweeper: %v", err)
			}
			if got := j.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionSweeperRuns(t *testing.T) {
	s := &countingSweeper{}
	j, err := NewSessionSweeper(s, "@every 10ms", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Start()

	deadline := time.Now().Add(2 * time.Second)
	for s.sweeps.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	j.Stop()

	if s.sweeps.Load() < 2 {
		t.Fatalf("sweeps = %d, want at least 2", s.sweeps.Load())
	}
	after := s.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if s.sweeps.Load() != after {
		t.Error("sweeper kept running after Stop")
	}
}

func TestSessionSweeperEvictsFromStore(t *testing.T) {
	now := time.Now()
	sessions := callstate.NewStore(
		callstate.WithClock(func() time.Time { return now }),
		callstate.WithRetention(callstate.Retention{Terminal: time.Minute}),
	)
	sessions.Create("CA1", callstate.CallContext{})
	sessions.SetStatus("CA1", callstate.StatusCompleted, now, "")
	sessions.Create("CA2", callstate.CallContext{})

	j, err := NewSessionSweeper(sessions, "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if removed := j.RunOnce(); removed != 0 {
		t.Fatalf("removed %d before retention elapsed", removed)
	}
	now = now.Add(2 * time.Minute)
	if removed := j.RunOnce(); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, ok := sessions.Get("CA2"); !ok {
		t.Fatal("live session evicted")
	}
}

type fakeExtractor struct {
	res   *llm.Extraction
	err   error
	calls int
}

func (e *fakeExtractor) ExtractOutcome(context.Context, callstate.CallContext, []callstate.TranscriptLine) (*llm.Extraction, llm.Usage, error) {
	e.calls++
	return e.res, llm.Usage{PromptTokens: 400, CompletionTokens: 50}, e.err
}

type fakeRecorder struct {
	mu     sync.Mutex
	saved  []callstate.Session
	costs  []costs.CallCosts
	tokens []store.DevicePushToken
	err    error
}

func (r *fakeRecorder) SaveCall(_ context.Context, s callstate.Session, c costs.CallCosts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, s)
	r.costs = append(r.costs, c)
	return r.err
}

func (r *fakeRecorder) ListPushTokens(context.Context, string) ([]store.DevicePushToken, error) {
	return r.tokens, nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notifications.CallSummary
}

func (n *fakeNotifier) NotifyCallFinished(_ context.Context, s notifications.CallSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, s)
	return nil
}

type fakePusher struct {
	tokens []string
}

func (p *fakePusher) SendCallNotification(token string, _ notifications.CallSummary) error {
	p.tokens = append(p.tokens, token)
	return nil
}

func endedCall(t *testing.T, sessions *callstate.Store, callerLine string) callstate.Session {
	t.Helper()
	sessions.Create("CA1", callstate.CallContext{BusinessName: "Tony's Pizza", DestinationNumber: "+15551234567", UserRequest: "3 large pizzas"})
	sessions.SetStatus("CA1", callstate.StatusInProgress, time.Time{}, "")
	sessions.AppendTranscript("CA1", callstate.TranscriptLine{Speaker: callstate.SpeakerAgent, Text: "How much for three large pizzas?"})
	if callerLine != "" {
		sessions.AppendTranscript("CA1", callstate.TranscriptLine{Speaker: callstate.SpeakerCaller, Text: callerLine})
	}
	sessions.Apply("CA1", callstate.StatusChanged{Status: callstate.StatusCompleted, DurationSeconds: 95})
	s, _ := sessions.Get("CA1")
	return s
}

func TestCallFinisherUsesModelWhenHeuristicsMissed(t *testing.T) {
	sessions := callstate.NewStore()
	snap := endedCall(t, sessions, "Forty-five all in.")

	ext := &fakeExtractor{res: &llm.Extraction{
		Quote:   &llm.ExtractedQuote{Amount: 45, Display: "$45"},
		Summary: "Quoted $45 for three pizzas.",
	}}
	rec := &fakeRecorder{tokens: []store.DevicePushToken{{Token: "db-token"}, {Token: "cfg-token"}}}
	notifier := &fakeNotifier{}
	pusher := &fakePusher{}

	f := NewCallFinisher(FinisherConfig{DeviceTokens: []string{"cfg-token"}}, FinisherDeps{
		Sessions:  sessions,
		Extractor: ext,
		Recorder:  rec,
		Notifiers: []Notifier{notifier},
		Pusher:    pusher,
	}, testLogger())

	c := f.Finish(context.Background(), snap)

	if ext.calls != 1 {
		t.Fatalf("extractor calls = %d", ext.calls)
	}
	live, _ := sessions.Get("CA1")
	if live.Quote == nil || live.Quote.Amount != 45 || live.Quote.Currency != "USD" {
		t.Fatalf("live quote = %+v", live.Quote)
	}
	if len(rec.saved) != 1 || rec.saved[0].Quote == nil {
		t.Fatalf("saved = %+v", rec.saved)
	}
	if len(notifier.got) != 1 || notifier.got[0].Quote != "$45" {
		t.Fatalf("notified = %+v", notifier.got)
	}
	if len(pusher.tokens) != 2 || pusher.tokens[0] != "cfg-token" || pusher.tokens[1] != "db-token" {
		t.Fatalf("pushed to %v", pusher.tokens)
	}
	want := costs.CalculateCallCosts(costs.CallMetrics{
		CallDurationSeconds:  95,
		AgentSpeechSeconds:   costs.EstimateSpeechSeconds(len("How much for three large pizzas?")),
		AnalysisInputTokens:  400,
		AnalysisOutputTokens: 50,
	})
	if c != want || rec.costs[0] != want {
		t.Errorf("costs = %+v, want %+v", c, want)
	}
}

func TestCallFinisherSkipsModel(t *testing.T) {
	t.Run("outcome already found", func(t *testing.T) {
		sessions := callstate.NewStore()
		snap := endedCall(t, sessions, "That's $45.")
		sessions.SetOutcome("CA1", &callstate.Quote{Amount: 45, Currency: "USD"}, nil)

		ext := &fakeExtractor{}
		f := NewCallFinisher(FinisherConfig{}, FinisherDeps{Sessions: sessions, Extractor: ext}, testLogger())
		f.Finish(context.Background(), snap)
		if ext.calls != 0 {
			t.Fatal("model called although an outcome was already found")
		}
	})

	t.Run("caller never spoke", func(t *testing.T) {
		sessions := callstate.NewStore()
		snap := endedCall(t, sessions, "")

		ext := &fakeExtractor{}
		f := NewCallFinisher(FinisherConfig{}, FinisherDeps{Sessions: sessions, Extractor: ext}, testLogger())
		f.Finish(context.Background(), snap)
		if ext.calls != 0 {
			t.Fatal("model called for a one-sided transcript")
		}
	})

	t.Run("model error still records the call", func(t *testing.T) {
		sessions := callstate.NewStore()
		snap := endedCall(t, sessions, "Let me check.")

		ext := &fakeExtractor{err: errors.New("rate limited")}
		rec := &fakeRecorder{}
		f := NewCallFinisher(FinisherConfig{}, FinisherDeps{Sessions: sessions, Extractor: ext, Recorder: rec}, testLogger())
		f.Finish(context.Background(), snap)
		if len(rec.saved) != 1 || rec.saved[0].Quote != nil {
			t.Fatalf("saved = %+v", rec.saved)
		}
	})
}

func TestCallFinisherEvictedSession(t *testing.T) {
	snap := callstate.Session{
		CallID:     "CA-gone",
		Status:     callstate.StatusBusy,
		EndReason:  "line busy",
		Transcript: []callstate.TranscriptLine{},
	}
	rec := &fakeRecorder{}
	f := NewCallFinisher(FinisherConfig{}, FinisherDeps{Sessions: callstate.NewStore(), Recorder: rec}, testLogger())
	f.Finish(context.Background(), snap)
	if len(rec.saved) != 1 || rec.saved[0].Status != callstate.StatusBusy {
		t.Fatalf("saved = %+v", rec.saved)
	}
}

func TestCallFinisherAsTerminalHook(t *testing.T) {
	sessions := callstate.NewStore()
	notifier := &fakeNotifier{}
	f := NewCallFinisher(FinisherConfig{SettleDelay: 10 * time.Millisecond}, FinisherDeps{
		Sessions:  sessions,
		Notifiers: []Notifier{notifier},
	}, testLogger())
	sessions.OnTerminal(f.OnTerminal)

	endedCall(t, sessions, "Fifty bucks.")
	// A second terminal report must not schedule a second finish.
	sessions.SetStatus("CA1", callstate.StatusFailed, time.Time{}, "")
	f.Wait()

	if len(notifier.got) != 1 {
		t.Fatalf("notified %d times, want 1", len(notifier.got))
	}
	if notifier.got[0].Status != callstate.StatusCompleted {
		t.Errorf("status = %s", notifier.got[0].Status)
	}
}

func TestBilledSeconds(t *testing.T) {
	answered := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	ended := answered.Add(72 * time.Second)
	tests := []struct {
		name string
		s    callstate.Session
		want int
	}{
		{"provider duration wins", callstate.Session{DurationSeconds: 80, AnsweredAt: &answered, EndTime: &ended}, 80},
		{"answered to ended", callstate.Session{AnsweredAt: &answered, EndTime: &ended}, 72},
		{"never answered", callstate.Session{EndTime: &ended}, 0},
	}
	for _, tt := range tests {
		if got := billedSeconds(tt.s); got != tt.want {
			t.Errorf("%s: billedSeconds = %d, want %d", tt.name, got, tt.want)
		}
	}
}
