package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"
)

type streamElement struct {
	XMLName       xml.Name `xml:"Stream"`
	Bidirectional bool     `xml:"bidirectional,attr"`
	KeepCallAlive bool     `xml:"keepCallAlive,attr"`
	AudioTrack    string   `xml:"audioTrack,attr"`
	ContentType   string   `xml:"contentType,attr"`
	URL           string   `xml:",chardata"`
}

type answerResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Stream  *streamElement `xml:"Stream,omitempty"`
	Speak   string         `xml:"Speak,omitempty"`
}

// MediaStreamURL turns the public base URL into the WebSocket URL of the
// media endpoint: https becomes wss, anything else ws.
func MediaStreamURL(serverURL, path string) string {
	scheme := "ws"
	host := serverURL
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		scheme = "wss"
		host = strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		host = strings.TrimPrefix(serverURL, "http://")
	}
	return fmt.Sprintf("%s://%s%s", scheme, strings.TrimRight(host, "/"), path)
}

// AnswerXML returns the answer document that points the call at streamURL
// with a bidirectional 16 kHz L16 stream.
func AnswerXML(streamURL string) ([]byte, error) {
	return marshalResponse(answerResponse{
		Stream: &streamElement{
			Bidirectional: true,
			KeepCallAlive: true,
			AudioTrack:    "inbound",
			ContentType:   "audio/x-l16;rate=16000",
			URL:           streamURL,
		},
	})
}

// ErrorXML returns a document that speaks msg to the caller instead of
// failing the call.
func ErrorXML(msg string) ([]byte, error) {
	return marshalResponse(answerResponse{Speak: msg})
}

func marshalResponse(r answerResponse) ([]byte, error) {
	body, err := xml.MarshalIndent(r, "", "    ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
