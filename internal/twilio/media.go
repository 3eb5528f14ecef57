package twilio

import "encoding/base64"

// Media Stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
	EventDTMF      = "dtmf"
)

// StreamMessage is any message Twilio sends on a Media Stream.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type StreamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 μ-law, 8kHz mono
}

// Audio decodes the frame payload.
func (m *StreamMedia) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// OutboundMedia plays audio to the caller.
type OutboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func NewOutboundMedia(streamSid string, audio []byte) OutboundMedia {
	m := OutboundMedia{Event: EventMedia, StreamSid: streamSid}
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return m
}

// OutboundMark asks Twilio to echo a mark once all audio queued before it
// has played.
type OutboundMark struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid"`
	Mark      StreamMark `json:"mark"`
}

func NewOutboundMark(streamSid, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSid: streamSid, Mark: StreamMark{Name: name}}
}

// OutboundClear drops any audio Twilio has buffered for playback.
type OutboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func NewOutboundClear(streamSid string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSid: streamSid}
}
