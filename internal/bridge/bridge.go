package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/agent"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

// End reasons recorded when the bridge itself ends a call.
const (
	ReasonAgentUnavailable  = "agent unavailable"
	ReasonAgentDisconnected = "agent disconnected"
	ReasonAgentEnded        = "agent ended call"
	ReasonIdleTimeout       = "media stream idle timeout"
	ReasonMaxDuration       = "max call duration reached"
	ReasonStreamClosed      = "media stream closed"
)

// MediaConn is the Twilio side of a call. *websocket.Conn satisfies it.
type MediaConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Sessions is the part of the session store the bridge uses.
type Sessions interface {
	Get(callID string) (callstate.Session, bool)
	SetStatus(callID string, status callstate.Status, endedAt time.Time, endReason string) bool
	AppendTranscript(callID string, line callstate.TranscriptLine) bool
}

// Hanger ends a call at the telephony provider.
type Hanger interface {
	Hangup(ctx context.Context, callSID string) error
}

// Briefer turns a call context into agent instructions.
type Briefer interface {
	Brief(cc callstate.CallContext) agent.Briefing
}

// EventLogger records call events. *eventlog.Logger satisfies it.
type EventLogger interface {
	LogAsync(callID string, eventType eventlog.EventType, data map[string]any)
}

type Config struct {
	// StartTimeout bounds the wait for the stream's start message.
	StartTimeout time.Duration
	// AgentDialTimeout bounds opening the agent connection.
	AgentDialTimeout time.Duration
	// IdleTimeout ends the call when neither side produced anything.
	IdleTimeout time.Duration
	// MaxDuration hard-caps a call.
	MaxDuration time.Duration
	// DisconnectGrace is how long after the stream closes a call without a
	// terminal status is marked completed.
	DisconnectGrace time.Duration
	// GoodbyeTimeout bounds the wait for the agent's last words to play
	// before hanging up.
	GoodbyeTimeout time.Duration
	// HangupTimeout bounds the provider hang-up request.
	HangupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.AgentDialTimeout <= 0 {
		c.AgentDialTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 5 * time.Second
	}
	if c.GoodbyeTimeout <= 0 {
		c.GoodbyeTimeout = 10 * time.Second
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = 10 * time.Second
	}
	return c
}

type Deps struct {
	Sessions Sessions
	Dialer   agent.Dialer
	Hanger   Hanger
	Briefer  Briefer
	Events   EventLogger
}

// Bridge relays audio between Twilio media streams and the speech agent.
// One Serve call handles one phone call.
type Bridge struct {
	cfg      Config
	sessions Sessions
	dialer   agent.Dialer
	hanger   Hanger
	briefer  Briefer
	events   EventLogger
	logger   *log.Logger
}

func New(cfg Config, deps Deps, logger *log.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg.withDefaults(),
		sessions: deps.Sessions,
		dialer:   deps.Dialer,
		hanger:   deps.Hanger,
		briefer:  deps.Briefer,
		events:   deps.Events,
		logger:   logger,
	}
	if b.briefer == nil {
		b.briefer = (*agent.Profiles)(nil)
	}
	if b.events == nil {
		b.events = (*eventlog.Logger)(nil)
	}
	return b
}

var errNoStart = errors.New("stream closed before start")

// Serve runs one call's bridge until either side ends it. It always closes
// media before returning.
func (b *Bridge) Serve(ctx context.Context, media MediaConn) {
	defer media.Close()

	start, err := b.awaitStart(media)
	if err != nil {
		b.logger.Printf("bridge: %v", err)
		return
	}

	callID := start.CustomParameters["callId"]
	if callID == "" {
		callID = start.CallSid
	}

	sess, ok := b.sessions.Get(callID)
	if !ok {
		b.logger.Printf("bridge: no session for call %s (stream %s), closing", callID, start.StreamSid)
		return
	}
	if sess.Status.Terminal() {
		b.logger.Printf("bridge: call %s already %s, closing stream", callID, sess.Status)
		return
	}

	c := &call{
		b:         b,
		callID:    callID,
		callSID:   start.CallSid,
		streamSid: start.StreamSid,
		media:     media,
	}
	c.touch()
	c.run(ctx, sess)
}

// awaitStart reads until Twilio's start message, skipping "connected".
func (b *Bridge) awaitStart(media MediaConn) (*twilio.StreamStart, error) {
	_ = media.SetReadDeadline(time.Now().Add(b.cfg.StartTimeout))
	defer media.SetReadDeadline(time.Time{})

	for {
		_, data, err := media.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNoStart, err)
		}
		var msg twilio.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Printf("bridge: failed to parse message: %v", err)
			continue
		}
		switch msg.Event {
		case twilio.EventConnected:
			continue
		case twilio.EventStart:
			if msg.Start == nil || msg.Start.StreamSid == "" {
				return nil, errors.New("start message without stream sid")
			}
			return msg.Start, nil
		case twilio.EventStop:
			return nil, errNoStart
		}
	}
}

type providerEventKind int

const (
	providerStop providerEventKind = iota + 1
	providerMark
)

type providerEvent struct {
	kind providerEventKind
	mark string
}

// call is the state of one bridged call. Only the relay goroutine writes
// to media; the provider read loop only writes to the agent.
type call struct {
	b         *Bridge
	callID    string
	callSID   string
	streamSid string
	media     MediaConn
	agent     agent.Conn

	lastActivity atomic.Int64
	goodbyeMark  string
}

func (c *call) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *call) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *call) run(ctx context.Context, sess callstate.Session) {
	b := c.b
	b.sessions.SetStatus(c.callID, callstate.StatusInProgress, time.Time{}, "")
	b.events.LogAsync(c.callID, eventlog.EventStreamStarted, map[string]any{"stream_sid": c.streamSid})
	b.logger.Printf("bridge: stream %s started for call %s", c.streamSid, c.callID)

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.AgentDialTimeout)
	conn, err := b.dialer.Dial(dialCtx, b.briefer.Brief(sess.Context))
	cancel()
	if err != nil {
		b.logger.Printf("bridge: agent connection failed for call %s: %v", c.callID, err)
		captureCallError(c.callID, err, "agent dial failed")
		b.events.LogAsync(c.callID, eventlog.EventAgentError, map[string]any{"error": err.Error(), "phase": "dial"})
		c.end(callstate.StatusFailed, ReasonAgentUnavailable)
		return
	}
	c.agent = conn
	b.events.LogAsync(c.callID, eventlog.EventAgentConnected, nil)

	done := make(chan struct{})
	provider := make(chan providerEvent, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readProvider(ctx, provider, done)
	}()

	reason := c.relay(ctx, provider)

	// Tear down both sides; closing media unblocks the read loop.
	close(done)
	_ = conn.Close()
	_ = c.media.Close()
	wg.Wait()

	b.logger.Printf("bridge: call %s closed: %s", c.callID, reason)
	b.events.LogAsync(c.callID, eventlog.EventBridgeClosed, map[string]any{"reason": reason})

	callID := c.callID
	time.AfterFunc(b.cfg.DisconnectGrace, func() {
		if b.sessions.SetStatus(callID, callstate.StatusCompleted, time.Time{}, ReasonStreamClosed) {
			b.logger.Printf("bridge: call %s marked completed after stream close", callID)
		}
	})
}

// readProvider reads Twilio frames. Audio goes straight to the agent so the
// inbound direction never waits on the relay; everything else is handed
// to the relay.
func (c *call) readProvider(ctx context.Context, out chan<- providerEvent, done <-chan struct{}) {
	defer close(out)

	var agentFailed bool
	for {
		_, data, err := c.media.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.b.logger.Printf("bridge: read error for call %s: %v", c.callID, err)
				}
			}
			return
		}

		var msg twilio.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.b.logger.Printf("bridge: failed to parse message: %v", err)
			continue
		}
		c.touch()

		var ev providerEvent
		switch msg.Event {
		case twilio.EventMedia:
			if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
				continue
			}
			audio, err := msg.Media.Audio()
			if err != nil {
				continue
			}
			if err := c.agent.SendAudio(ctx, audio); err != nil && !agentFailed {
				agentFailed = true
				c.b.logger.Printf("bridge: forwarding audio to agent failed for call %s: %v", c.callID, err)
			}
			continue
		case twilio.EventMark:
			if msg.Mark == nil {
				continue
			}
			ev = providerEvent{kind: providerMark, mark: msg.Mark.Name}
		case twilio.EventStop:
			ev = providerEvent{kind: providerStop}
		default:
			continue
		}

		select {
		case out <- ev:
		case <-done:
			return
		}
	}
}

// relay is the single writer to media. It multiplexes provider control
// events, agent output, and timers, and returns why the call ended.
func (c *call) relay(ctx context.Context, provider <-chan providerEvent) string {
	cfg := c.b.cfg

	idle := time.NewTicker(idleCheckInterval(cfg.IdleTimeout))
	defer idle.Stop()
	maxDuration := time.NewTimer(cfg.MaxDuration)
	defer maxDuration.Stop()

	var goodbye <-chan time.Time
	agentEvents := c.agent.Events()

	for {
		select {
		case <-ctx.Done():
			return "server shutting down"

		case ev, ok := <-provider:
			if !ok {
				return ReasonStreamClosed
			}
			switch ev.kind {
			case providerStop:
				return "media stream stopped"
			case providerMark:
				if c.goodbyeMark != "" && ev.mark == c.goodbyeMark {
					c.end(callstate.StatusCompleted, ReasonAgentEnded)
					return ReasonAgentEnded
				}
			}

		case ev, ok := <-agentEvents:
			if !ok {
				if c.goodbyeMark != "" {
					c.end(callstate.StatusCompleted, ReasonAgentEnded)
					return ReasonAgentEnded
				}
				captureCallError(c.callID, errors.New("agent connection closed mid-call"), "agent disconnected")
				c.end(callstate.StatusFailed, ReasonAgentDisconnected)
				return ReasonAgentDisconnected
			}
			c.touch()
			if c.handleAgentEvent(ev) && goodbye == nil {
				goodbye = time.After(cfg.GoodbyeTimeout)
			}

		case <-goodbye:
			c.b.logger.Printf("bridge: timeout waiting for goodbye audio on call %s, hanging up anyway", c.callID)
			c.end(callstate.StatusCompleted, ReasonAgentEnded)
			return ReasonAgentEnded

		case <-idle.C:
			if c.idleFor() >= cfg.IdleTimeout {
				c.b.events.LogAsync(c.callID, eventlog.EventIdleTimeout, map[string]any{"idle_ms": c.idleFor().Milliseconds()})
				c.end(callstate.StatusFailed, ReasonIdleTimeout)
				return ReasonIdleTimeout
			}

		case <-maxDuration.C:
			c.b.events.LogAsync(c.callID, eventlog.EventMaxDuration, nil)
			c.end(callstate.StatusCompleted, ReasonMaxDuration)
			return ReasonMaxDuration
		}
	}
}

// handleAgentEvent applies one agent event. It reports whether the agent
// asked to hang up.
func (c *call) handleAgentEvent(ev agent.Event) bool {
	switch ev.Kind {
	case agent.EventAudio:
		if err := c.media.WriteJSON(twilio.NewOutboundMedia(c.streamSid, ev.Audio)); err != nil {
			c.b.logger.Printf("bridge: failed to send audio to call %s: %v", c.callID, err)
		}

	case agent.EventTranscript:
		c.b.sessions.AppendTranscript(c.callID, callstate.TranscriptLine{
			Speaker:   ev.Speaker,
			Text:      ev.Text,
			Timestamp: time.Now().UTC(),
		})

	case agent.EventSpeechStarted:
		if err := c.media.WriteJSON(twilio.NewOutboundClear(c.streamSid)); err != nil {
			c.b.logger.Printf("bridge: failed to clear audio on call %s: %v", c.callID, err)
		}
		c.b.events.LogAsync(c.callID, eventlog.EventBargeIn, nil)

	case agent.EventHangup:
		if c.goodbyeMark != "" {
			return false
		}
		c.goodbyeMark = "goodbye-" + uuid.New().String()
		c.b.logger.Printf("bridge: agent ending call %s (%s)", c.callID, ev.Reason)
		c.b.events.LogAsync(c.callID, eventlog.EventAgentHangup, map[string]any{"reason": ev.Reason})
		if err := c.media.WriteJSON(twilio.NewOutboundMark(c.streamSid, c.goodbyeMark)); err != nil {
			c.b.logger.Printf("bridge: failed to send goodbye mark on call %s: %v", c.callID, err)
		}
		return true

	case agent.EventError:
		c.b.logger.Printf("bridge: agent error on call %s: %v", c.callID, ev.Err)
		c.b.events.LogAsync(c.callID, eventlog.EventAgentError, map[string]any{"error": errString(ev.Err)})
	}
	return false
}

// end records a terminal status decided by the bridge and asks the
// provider to hang up.
func (c *call) end(status callstate.Status, reason string) {
	c.b.sessions.SetStatus(c.callID, status, time.Time{}, reason)
	c.b.hangup(c.callSID)
}

func (b *Bridge) hangup(callSID string) {
	if b.hanger == nil || callSID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HangupTimeout)
		defer cancel()
		if err := b.hanger.Hangup(ctx, callSID); err != nil {
			b.logger.Printf("bridge: failed to hang up call %s: %v", callSID, err)
			return
		}
		b.logger.Printf("bridge: call %s hung up", callSID)
	}()
}

func idleCheckInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func captureCallError(callID string, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("call_id", callID)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
