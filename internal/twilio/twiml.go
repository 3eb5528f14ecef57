package twilio

import (
	"encoding/xml"
	"sort"
)

// Minimal TwiML, enough to connect a call to a bidirectional Media Stream.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML returns a TwiML document that connects the call to the media
// stream at streamURL. params are delivered back in the stream's start
// message as customParameters.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	stream := twimlStream{URL: streamURL}
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	out, err := xml.Marshal(twimlResponse{Connect: &twimlConnect{Stream: stream}})
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}
