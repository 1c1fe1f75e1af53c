// Package telephony speaks the Plivo Media Streams protocol: JSON envelopes
// over a WebSocket carrying base64 L16 audio.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
)

// EventKind classifies an inbound envelope.
type EventKind int

const (
	EventOther EventKind = iota
	EventStart
	EventMedia
	EventStop
	EventDTMF
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	case EventDTMF:
		return "dtmf"
	default:
		return "other"
	}
}

// Event is a decoded inbound envelope.
type Event struct {
	Kind EventKind
	// Name is the raw "event" field.
	Name  string
	Start *StartInfo
	// Audio holds the decoded payload of a media event.
	Audio []byte
	Digit string
}

// StartInfo is what the bridge needs from a start envelope.
type StartInfo struct {
	CallID   string
	StreamID string
	// Format is the declared media format, or TelephonyFormat when the
	// envelope does not declare one.
	Format   audio.Format
	Declared bool
}

type mediaFormat struct {
	Encoding   string          `json:"encoding"`
	SampleRate json.RawMessage `json:"sampleRate"`
}

type startBody struct {
	CallID      string       `json:"callId"`
	CallIDUpper string       `json:"callID"`
	CallUuid    string       `json:"callUuid"`
	CallUUID    string       `json:"callUUID"`
	StreamID    string       `json:"streamId"`
	StreamSid   string       `json:"streamSid"`
	MediaFormat *mediaFormat `json:"mediaFormat"`
}

type mediaBody struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type dtmfBody struct {
	Digit string `json:"digit"`
}

type inboundEnvelope struct {
	Event    string     `json:"event"`
	StreamID string     `json:"streamId"`
	Start    *startBody `json:"start"`
	Media    *mediaBody `json:"media"`
	DTMF     *dtmfBody  `json:"dtmf"`
	Payload  string     `json:"payload"`
	CallUUID string     `json:"callUUID"`
	CallUuid string     `json:"call_uuid"`
}

// ParseEvent decodes one text message from the provider.
func ParseEvent(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	ev := Event{Name: env.Event}
	switch env.Event {
	case "start":
		ev.Kind = EventStart
		info, err := parseStart(&env)
		if err != nil {
			return Event{}, err
		}
		ev.Start = info
	case "media":
		ev.Kind = EventMedia
		payload := env.Payload
		if env.Media != nil && env.Media.Payload != "" {
			payload = env.Media.Payload
		}
		if payload == "" {
			return ev, nil
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Event{}, fmt.Errorf("decode media payload: %w", err)
		}
		ev.Audio = raw
	case "stop":
		ev.Kind = EventStop
	case "dtmf":
		ev.Kind = EventDTMF
		if env.DTMF != nil {
			ev.Digit = env.DTMF.Digit
		}
	default:
		ev.Kind = EventOther
	}
	return ev, nil
}

func parseStart(env *inboundEnvelope) (*StartInfo, error) {
	info := &StartInfo{Format: audio.TelephonyFormat, StreamID: env.StreamID}
	body := env.Start
	if body == nil {
		body = &startBody{}
	}

	info.CallID = firstNonEmpty(body.CallID, body.CallIDUpper, body.CallUuid, body.CallUUID, env.CallUUID, env.CallUuid)
	if sid := firstNonEmpty(body.StreamID, body.StreamSid); sid != "" {
		info.StreamID = sid
	}

	if mf := body.MediaFormat; mf != nil {
		format, err := parseMediaFormat(mf)
		if err != nil {
			return nil, err
		}
		info.Format = format
		info.Declared = true
	}
	return info, nil
}

// parseMediaFormat accepts "audio/x-l16" with an optional ";rate=N" suffix and
// a sampleRate given either as a number or a numeric string.
func parseMediaFormat(mf *mediaFormat) (audio.Format, error) {
	format := audio.Format{Channels: 1}

	parts := strings.Split(mf.Encoding, ";")
	enc := strings.ToLower(strings.TrimSpace(parts[0]))
	switch enc {
	case "audio/x-l16", "audio/l16", "l16", "linear16":
		format.Encoding = audio.EncodingL16
	case "":
		format.Encoding = audio.EncodingL16
	default:
		format.Encoding = audio.Encoding(enc)
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil {
				format.SampleRate = n
			}
		}
	}

	if len(mf.SampleRate) > 0 {
		raw := strings.Trim(string(mf.SampleRate), `"`)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return audio.Format{}, fmt.Errorf("decode sampleRate %q: %w", raw, err)
		}
		format.SampleRate = n
	}
	if format.SampleRate == 0 {
		format.SampleRate = audio.TelephonyFormat.SampleRate
	}
	return format, nil
}

type outboundMedia struct {
	ContentType string `json:"contentType"`
	SampleRate  int    `json:"sampleRate"`
	Payload     string `json:"payload"`
}

type outboundEnvelope struct {
	Event string        `json:"event"`
	Media outboundMedia `json:"media"`
}

// EncodePlayAudio builds the playAudio envelope for one telephony frame.
func EncodePlayAudio(f audio.Frame) ([]byte, error) {
	if f.Format != audio.TelephonyFormat {
		return nil, &audio.FormatError{Op: "encode", Format: f.Format, Length: len(f.Data), Reason: "socket only accepts telephony format"}
	}
	return json.Marshal(outboundEnvelope{
		Event: "playAudio",
		Media: outboundMedia{
			ContentType: string(audio.EncodingL16),
			SampleRate:  f.Format.SampleRate,
			Payload:     base64.StdEncoding.EncodeToString(f.Data),
		},
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
