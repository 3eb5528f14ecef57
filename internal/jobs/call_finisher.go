package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/costs"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/llm"
	"github.com/lukasbauer/callbridge/internal/notifications"
	"github.com/lukasbauer/callbridge/internal/store"
)

// Sessions is the part of the session store the finisher reads and updates.
type Sessions interface {
	Get(callID string) (callstate.Session, bool)
	SetOutcome(callID string, q *callstate.Quote, a *callstate.Appointment) bool
}

// Recorder persists finished calls. *store.Store satisfies it.
type Recorder interface {
	SaveCall(ctx context.Context, sess callstate.Session, c costs.CallCosts) error
	ListPushTokens(ctx context.Context, platform string) ([]store.DevicePushToken, error)
}

// Notifier reports a finished call somewhere.
type Notifier interface {
	NotifyCallFinished(ctx context.Context, s notifications.CallSummary) error
}

// Pusher sends a push notification to one device.
type Pusher interface {
	SendCallNotification(deviceToken string, s notifications.CallSummary) error
}

type EventLogger interface {
	LogAsync(callID string, eventType eventlog.EventType, data map[string]any)
}

type FinisherConfig struct {
	// SettleDelay lets late transcript lines and the provider's final
	// duration land before the call is processed.
	SettleDelay time.Duration
	// Timeout bounds all post-call work for one call.
	Timeout time.Duration
	// DeviceTokens always receive push notifications.
	DeviceTokens []string
}

type FinisherDeps struct {
	Sessions  Sessions
	Extractor llm.Client // optional
	Recorder  Recorder   // optional
	Notifiers []Notifier
	Pusher    Pusher // optional
	Events    EventLogger
}

// CallFinisher runs once per call after it reaches a terminal status:
// a model pass for outcomes the live heuristics missed, a cost estimate,
// the durable record and notifications.
type CallFinisher struct {
	cfg    FinisherConfig
	deps   FinisherDeps
	logger *log.Logger
	wg     sync.WaitGroup
}

func NewCallFinisher(cfg FinisherConfig, deps FinisherDeps, logger *log.Logger) *CallFinisher {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if deps.Events == nil {
		deps.Events = (*eventlog.Logger)(nil)
	}
	return &CallFinisher{cfg: cfg, deps: deps, logger: logger}
}

// OnTerminal is registered as the session store's terminal hook.
func (f *CallFinisher) OnTerminal(s callstate.Session) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if f.cfg.SettleDelay > 0 {
			time.Sleep(f.cfg.SettleDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
		defer cancel()
		f.Finish(ctx, s)
	}()
}

// Wait blocks until every scheduled finish has returned.
func (f *CallFinisher) Wait() {
	f.wg.Wait()
}

// Finish processes one finished call. snapshot is used when the live
// session has already been evicted.
func (f *CallFinisher) Finish(ctx context.Context, snapshot callstate.Session) costs.CallCosts {
	sess := f.current(snapshot)

	var usage llm.Usage
	if sess.Quote == nil && sess.Appointment == nil {
		usage = f.extract(ctx, &sess)
	}

	c := costs.CalculateCallCosts(costs.CallMetrics{
		CallDurationSeconds:  billedSeconds(sess),
		AgentSpeechSeconds:   costs.EstimateSpeechSeconds(agentChars(sess)),
		AnalysisInputTokens:  usage.PromptTokens,
		AnalysisOutputTokens: usage.CompletionTokens,
	})

	if f.deps.Recorder != nil {
		if err := f.deps.Recorder.SaveCall(ctx, sess, c); err != nil {
			f.logger.Printf("jobs: failed to save call %s: %v", sess.CallID, err)
			captureFinishError(sess.CallID, err)
		}
	}

	summary := notifications.Summarize(sess, c.TotalCostCents)
	for _, n := range f.deps.Notifiers {
		if n == nil {
			continue
		}
		_ = n.NotifyCallFinished(ctx, summary)
	}
	f.push(ctx, summary)

	f.deps.Events.LogAsync(sess.CallID, eventlog.EventCallEnded, map[string]any{
		"status":     string(sess.Status),
		"end_reason": sess.EndReason,
		"duration":   sess.DurationSeconds,
		"cost_cents": c.TotalCostCents,
	})
	f.logger.Printf("jobs: finished call %s (%s, %s, cost=%dc)", sess.CallID, sess.Status, summary.Headline(), c.TotalCostCents)
	return c
}

func (f *CallFinisher) current(snapshot callstate.Session) callstate.Session {
	if f.deps.Sessions == nil {
		return snapshot
	}
	if live, ok := f.deps.Sessions.Get(snapshot.CallID); ok {
		return live
	}
	return snapshot
}

// extract asks the model for an outcome and records what it finds.
func (f *CallFinisher) extract(ctx context.Context, sess *callstate.Session) llm.Usage {
	if f.deps.Extractor == nil || !hasCallerSpeech(*sess) {
		return llm.Usage{}
	}

	res, usage, err := f.deps.Extractor.ExtractOutcome(ctx, sess.Context, sess.Transcript)
	if err != nil {
		f.logger.Printf("jobs: outcome extraction failed for %s: %v", sess.CallID, err)
		return usage
	}

	var q *callstate.Quote
	var a *callstate.Appointment
	if res.Quote != nil {
		currency := res.Quote.Currency
		if currency == "" {
			currency = "USD"
		}
		q = &callstate.Quote{Amount: res.Quote.Amount, Currency: currency, Display: res.Quote.Display, Source: res.Summary}
	}
	if res.Appointment != nil {
		a = &callstate.Appointment{When: res.Appointment.When, Source: res.Summary}
	}
	if q == nil && a == nil {
		return usage
	}

	if f.deps.Sessions != nil {
		f.deps.Sessions.SetOutcome(sess.CallID, q, a)
	}
	if sess.Quote == nil {
		sess.Quote = q
	}
	if sess.Appointment == nil {
		sess.Appointment = a
	}
	f.deps.Events.LogAsync(sess.CallID, eventlog.EventOutcomeFound, map[string]any{
		"source":      "llm",
		"quote":       q,
		"appointment": a,
	})
	return usage
}

func (f *CallFinisher) push(ctx context.Context, summary notifications.CallSummary) {
	if f.deps.Pusher == nil {
		return
	}

	seen := make(map[string]bool)
	tokens := make([]string, 0, len(f.cfg.DeviceTokens))
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	for _, t := range f.cfg.DeviceTokens {
		add(t)
	}
	if f.deps.Recorder != nil {
		registered, err := f.deps.Recorder.ListPushTokens(ctx, "ios")
		if err != nil {
			f.logger.Printf("jobs: failed to list push tokens: %v", err)
		}
		for _, t := range registered {
			add(t.Token)
		}
	}

	for _, t := range tokens {
		_ = f.deps.Pusher.SendCallNotification(t, summary)
	}
}

// billedSeconds prefers the provider's duration and falls back to the
// answered-to-ended span.
func billedSeconds(s callstate.Session) int {
	if s.DurationSeconds > 0 {
		return s.DurationSeconds
	}
	if s.AnsweredAt != nil && s.EndTime != nil && s.EndTime.After(*s.AnsweredAt) {
		return int(s.EndTime.Sub(*s.AnsweredAt).Seconds())
	}
	return 0
}

func agentChars(s callstate.Session) int {
	n := 0
	for _, line := range s.Transcript {
		if line.Speaker == callstate.SpeakerAgent {
			n += len(line.Text)
		}
	}
	return n
}

func hasCallerSpeech(s callstate.Session) bool {
	for _, line := range s.Transcript {
		if line.Speaker == callstate.SpeakerCaller {
			return true
		}
	}
	return false
}

func captureFinishError(callID string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("call_id", callID)
		sentry.CaptureException(err)
	})
}
