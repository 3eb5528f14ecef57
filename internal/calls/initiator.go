package calls

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrUnknownCall = errors.New("unknown call")
)

// ValidationError reports a bad placement request. No call was placed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + " " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ProviderError reports that the telephony provider refused or did not
// answer a request in time.
type ProviderError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: telephony provider timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: telephony provider error: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is the telephony API the initiator drives. *twilio.Client
// satisfies it.
type Provider interface {
	MakeCall(ctx context.Context, p twilio.MakeCallParams) (*twilio.Call, error)
	Hangup(ctx context.Context, callSID string) error
}

// Sessions is the part of the session store the call package uses.
type Sessions interface {
	Create(callID string, cc callstate.CallContext) (callstate.Session, bool)
	Get(callID string) (callstate.Session, bool)
	Apply(callID string, ev callstate.Event) bool
}

type EventLogger interface {
	LogAsync(callID string, eventType eventlog.EventType, data map[string]any)
}

type InitiatorConfig struct {
	FromNumber    string
	PublicBaseURL string
	// AcceptTimeout bounds the wait for the provider to accept a call.
	AcceptTimeout time.Duration
	// RingTimeout is how long the destination rings, in seconds.
	RingTimeout int
	// MachineDetection is passed through to the provider; empty disables it.
	MachineDetection string
}

// Handle identifies a placed call.
type Handle struct {
	CallID            string           `json:"callId"`
	Status            callstate.Status `json:"status"`
	WebsocketEndpoint string           `json:"websocketEndpoint"`
}

// Initiator places outbound calls and registers their sessions.
type Initiator struct {
	cfg      InitiatorConfig
	provider Provider
	sessions Sessions
	events   EventLogger
	logger   *log.Logger
}

func NewInitiator(cfg InitiatorConfig, provider Provider, sessions Sessions, events EventLogger, logger *log.Logger) *Initiator {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 15 * time.Second
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if events == nil {
		events = (*eventlog.Logger)(nil)
	}
	return &Initiator{cfg: cfg, provider: provider, sessions: sessions, events: events, logger: logger}
}

// MediaStreamURL is the websocket endpoint the provider streams call audio to.
func (i *Initiator) MediaStreamURL() string {
	return WSURLFromPublicBase(i.cfg.PublicBaseURL) + "/media"
}

// StatusCallbackURL is where the provider posts lifecycle callbacks.
func (i *Initiator) StatusCallbackURL() string {
	return i.cfg.PublicBaseURL + "/telephony/status"
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizeNumber strips common formatting from a phone number.
func NormalizeNumber(n string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(n))
}

func validate(cc *callstate.CallContext) error {
	cc.DestinationNumber = NormalizeNumber(cc.DestinationNumber)
	cc.UserRequest = strings.TrimSpace(cc.UserRequest)
	cc.BusinessName = strings.TrimSpace(cc.BusinessName)

	if cc.DestinationNumber == "" {
		return &ValidationError{Field: "destinationNumber", Reason: "is required"}
	}
	if !phonePattern.MatchString(cc.DestinationNumber) {
		return &ValidationError{Field: "destinationNumber", Reason: "is not a valid phone number"}
	}
	if cc.UserRequest == "" {
		return &ValidationError{Field: "userRequest", Reason: "is required"}
	}
	return nil
}

// PlaceCall validates cc, asks the provider to place the call and, once the
// provider accepts it, creates the session in status queued.
func (i *Initiator) PlaceCall(ctx context.Context, cc callstate.CallContext) (Handle, error) {
	if err := validate(&cc); err != nil {
		return Handle{}, err
	}

	twiml, err := twilio.StreamTwiML(i.MediaStreamURL(), nil)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to build twiml: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.AcceptTimeout)
	defer cancel()

	call, err := i.provider.MakeCall(ctx, twilio.MakeCallParams{
		To:                  cc.DestinationNumber,
		From:                i.cfg.FromNumber,
		Twiml:               twiml,
		StatusCallback:      i.StatusCallbackURL(),
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
		MachineDetection:    i.cfg.MachineDetection,
		Timeout:             i.cfg.RingTimeout,
	})
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		i.logger.Printf("calls: provider rejected call to %s: %v", cc.DestinationNumber, err)
		return Handle{}, &ProviderError{Op: "place call", Timeout: timeout, Err: err}
	}
	if call == nil || call.SID == "" {
		return Handle{}, &ProviderError{Op: "place call", Err: errors.New("provider returned no call id")}
	}

	sess, _ := i.sessions.Create(call.SID, cc)
	i.logger.Printf("calls: placed call %s to %s (%s)", call.SID, cc.DestinationNumber, cc.BusinessName)
	i.events.LogAsync(call.SID, eventlog.EventCallPlaced, map[string]any{
		"to":       cc.DestinationNumber,
		"business": cc.BusinessName,
		"category": cc.Category,
	})

	return Handle{
		CallID:            call.SID,
		Status:            sess.Status,
		WebsocketEndpoint: i.MediaStreamURL(),
	}, nil
}

// Hangup ends a live call on an operator's request.
func (i *Initiator) Hangup(ctx context.Context, callID string) (callstate.Session, error) {
	sess, ok := i.sessions.Get(callID)
	if !ok {
		return callstate.Session{}, ErrUnknownCall
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.AcceptTimeout)
	defer cancel()
	if err := i.provider.Hangup(ctx, callID); err != nil {
		return sess, &ProviderError{Op: "hang up", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}

	i.sessions.Apply(callID, callstate.StatusChanged{Status: callstate.StatusCompleted, EndReason: "canceled by operator"})
	i.events.LogAsync(callID, eventlog.EventOperatorHangup, nil)
	i.logger.Printf("calls: call %s hung up by operator", callID)

	sess, _ = i.sessions.Get(callID)
	return sess, nil
}

// WSURLFromPublicBase turns an http(s) base URL into its ws(s) equivalent.
func WSURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}
