package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/callstate"
)

const realtimeWSURL = "wss://api.openai.com/v1/realtime"

// EndCallTool is the function the agent calls to hang up.
const EndCallTool = "end_call"

// writeTimeout bounds a single write to the agent so a peer that stops
// reading cannot stall the call.
const writeTimeout = 5 * time.Second

var ErrClosed = errors.New("agent: connection closed")

// RealtimeConfig holds configuration for the OpenAI Realtime client.
type RealtimeConfig struct {
	APIKey             string
	Model              string // e.g. "gpt-4o-realtime-preview"
	Voice              string // default voice, overridden per briefing
	TranscriptionModel string // e.g. "whisper-1"
	URL                string // defaults to the public endpoint
	Dialer             *websocket.Dialer
}

// RealtimeDialer opens OpenAI Realtime sessions speaking G.711 μ-law, so
// Twilio frames pass through without transcoding.
type RealtimeDialer struct {
	cfg    RealtimeConfig
	logger *log.Logger
}

func NewRealtimeDialer(cfg RealtimeConfig, logger *log.Logger) *RealtimeDialer {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.URL == "" {
		cfg.URL = realtimeWSURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &RealtimeDialer{cfg: cfg, logger: logger}
}

// RealtimeConn is one Realtime session.
type RealtimeConn struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // serializes writes
	wg        sync.WaitGroup
	logger    *log.Logger
}

type clientEvent struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	Tools                   []tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// serverEvent is the union of the server events we read.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial connects to the Realtime API and configures the session from b.
func (d *RealtimeDialer) Dial(ctx context.Context, b Briefing) (Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.cfg.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to realtime api (http %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to realtime api: %w", err)
	}

	c := &RealtimeConn{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: d.logger,
	}

	voice := b.Voice
	if voice == "" {
		voice = d.cfg.Voice
	}
	update := clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Modalities:              []string{"audio", "text"},
			Instructions:            b.Instructions,
			Voice:                   voice,
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "g711_ulaw",
			InputAudioTranscription: &transcriptionConfig{Model: d.cfg.TranscriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad", Threshold: 0.5, SilenceDurationMs: 500},
			Tools: []tool{{
				Type:        "function",
				Name:        EndCallTool,
				Description: "Hang up the phone once the conversation is finished and you have said goodbye.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{"type": "string", "description": "Short reason the call is ending."},
					},
				},
			}},
			ToolChoice: "auto",
		},
	}
	if err := c.send(update); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}
	if b.SpeakFirst {
		if err := c.send(clientEvent{Type: "response.create"}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to request greeting: %w", err)
		}
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// SendAudio appends caller audio to the agent's input buffer.
func (c *RealtimeConn) SendAudio(_ context.Context, audio []byte) error {
	return c.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *RealtimeConn) Events() <-chan Event {
	return c.events
}

// Close closes the connection and waits for the read loop to exit. It does
// not wait for a send in flight; closing the socket fails that send.
func (c *RealtimeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		// WriteControl may run concurrently with WriteJSON.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second))

		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *RealtimeConn) send(ev clientEvent) error {
	ev.EventID = "evt_" + uuid.New().String()

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

// readLoop translates server events into Events. It owns c.events and
// closes it on exit.
func (c *RealtimeConn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.emit(Event{Kind: EventError, Err: fmt.Errorf("read error: %w", err)})
				}
			}
			return
		}

		var se serverEvent
		if err := json.Unmarshal(msg, &se); err != nil {
			c.logger.Printf("agent: failed to parse server event: %v", err)
			continue
		}

		ev, ok := c.translate(se)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *RealtimeConn) translate(se serverEvent) (Event, bool) {
	switch se.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(se.Delta)
		if err != nil || len(audio) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventAudio, Audio: audio}, true

	case "response.audio_transcript.done":
		return Event{Kind: EventTranscript, Speaker: callstate.SpeakerAgent, Text: se.Transcript}, true

	case "conversation.item.input_audio_transcription.completed":
		return Event{Kind: EventTranscript, Speaker: callstate.SpeakerCaller, Text: se.Transcript}, true

	case "input_audio_buffer.speech_started":
		return Event{Kind: EventSpeechStarted}, true

	case "response.function_call_arguments.done":
		if se.Name != EndCallTool {
			return Event{}, false
		}
		var args struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal([]byte(se.Arguments), &args)
		return Event{Kind: EventHangup, Reason: args.Reason}, true

	case "error":
		if se.Error == nil {
			return Event{}, false
		}
		return Event{Kind: EventError, Err: fmt.Errorf("realtime %s: %s", se.Error.Code, se.Error.Message)}, true
	}
	return Event{}, false
}

func (c *RealtimeConn) emit(ev Event) bool {
	select {
	case <-c.done:
		return false
	case c.events <- ev:
		return true
	}
}
