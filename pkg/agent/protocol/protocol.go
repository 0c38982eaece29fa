// Package protocol defines the JSON frames exchanged with the agent
// service over the persistent duplex connection, and the decoder that
// turns one raw inbound frame into a typed event.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// EncodingNone marks a session that streams no audio; replies are
	// text-only unless a downstream synthesizer fills the gap.
	EncodingNone = "none"

	EncodingPCMS16LE = "pcm_s16le"
	EncodingMP3      = "mp3"
)

// AudioFormat describes the sample format the backend declares for a
// session in init_metadata. The bridge never guesses it.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty"`
	Channels     int    `json:"channels,omitempty"`
}

// None reports whether the format declares a text-only session.
func (f AudioFormat) None() bool {
	enc := strings.TrimSpace(f.Encoding)
	return enc == "" || enc == EncodingNone
}

// DecodeError reports a frame that named a known type but carried a
// payload the decoder could not interpret. It is never fatal to a
// session; callers log and skip.
type DecodeError struct {
	Type    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func decodeErr(typ, format string, args ...any) *DecodeError {
	return &DecodeError{Type: typ, Message: fmt.Sprintf(format, args...)}
}

// Event is one decoded inbound frame. The set of implementations is
// closed; sessions dispatch with an exhaustive type switch.
type Event interface {
	eventType() string
}

// InitMetadata is the first frame on a healthy connection. It carries
// the backend-assigned conversation id and the declared audio format.
type InitMetadata struct {
	ConversationID string
	Format         AudioFormat
}

func (InitMetadata) eventType() string { return "init_metadata" }

// TextPartial carries incremental agent text. Advisory only; the
// session does not store it.
type TextPartial struct {
	Text string
}

func (TextPartial) eventType() string { return "text_partial" }

// TextFinal carries the complete agent text for the current turn. It
// terminates the text track only; audio terminates independently.
type TextFinal struct {
	Text string
}

func (TextFinal) eventType() string { return "text_final" }

// AudioChunk is one ordered binary fragment of the turn's audio reply.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) eventType() string { return "audio_chunk" }

// Interruption marks the in-flight turn superseded. Partial text and
// audio gathered for it must not be delivered.
type Interruption struct {
	Reason string
}

func (Interruption) eventType() string { return "interruption" }

// KeepaliveProbe is a liveness probe; its id must be echoed back in a
// keepalive_ack ahead of any other outbound traffic.
type KeepaliveProbe struct {
	ID string
}

func (KeepaliveProbe) eventType() string { return "keepalive_probe" }

// BackendError is an explicit per-turn failure reported by the agent
// service. The session surfaces a failed turn and stays usable.
type BackendError struct {
	Code      string
	Message   string
	Retryable bool
}

func (BackendError) eventType() string { return "error" }

// Unrecognized is any frame whose type the decoder does not know, or a
// frame that is not a JSON object at all. One bad event never
// terminates an otherwise-healthy stream.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (e Unrecognized) eventType() string { return e.Type }

type serverInitMetadata struct {
	ConversationID string      `json:"conversation_id"`
	AudioFormat    AudioFormat `json:"audio_format"`
}

type serverText struct {
	Text string `json:"text"`
}

type serverAudioChunk struct {
	AudioB64 string `json:"audio_b64"`
}

type serverInterruption struct {
	Reason string `json:"reason,omitempty"`
}

type serverKeepaliveProbe struct {
	ID string `json:"id"`
}

type serverError struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ClientUserTurn is the outgoing user text for one turn. Seq increases
// strictly within a session.
type ClientUserTurn struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Seq  int64  `json:"seq"`
}

// ClientKeepaliveAck echoes a probe id.
type ClientKeepaliveAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewUserTurn builds an outbound user_turn frame.
func NewUserTurn(text string, seq int64) ClientUserTurn {
	return ClientUserTurn{Type: "user_turn", Text: text, Seq: seq}
}

// NewKeepaliveAck builds the ack for a probe.
func NewKeepaliveAck(id string) ClientKeepaliveAck {
	return ClientKeepaliveAck{Type: "keepalive_ack", ID: id}
}

// Decode turns one raw inbound frame into a typed event.
//
// Frames that are not JSON objects, or whose type is unknown, decode to
// Unrecognized. A frame that names a known type but carries a payload
// that cannot be interpreted yields a *DecodeError.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Unrecognized{Raw: append(json.RawMessage(nil), data...)}, nil
	}
	typ := strings.TrimSpace(envelope.Type)

	switch typ {
	case "init_metadata":
		var msg serverInitMetadata
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid init_metadata frame")
		}
		return InitMetadata{ConversationID: msg.ConversationID, Format: msg.AudioFormat}, nil
	case "text_partial":
		var msg serverText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid text_partial frame")
		}
		return TextPartial{Text: msg.Text}, nil
	case "text_final":
		var msg serverText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid text_final frame")
		}
		return TextFinal{Text: msg.Text}, nil
	case "audio_chunk":
		var msg serverAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid audio_chunk frame")
		}
		raw, err := base64.StdEncoding.DecodeString(msg.AudioB64)
		if err != nil {
			return nil, decodeErr(typ, "invalid audio_b64 payload: %v", err)
		}
		return AudioChunk{Data: raw}, nil
	case "interruption":
		var msg serverInterruption
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid interruption frame")
		}
		return Interruption{Reason: msg.Reason}, nil
	case "keepalive_probe":
		var msg serverKeepaliveProbe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid keepalive_probe frame")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, decodeErr(typ, "keepalive_probe.id is required")
		}
		return KeepaliveProbe{ID: msg.ID}, nil
	case "error":
		var msg serverError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, decodeErr(typ, "invalid error frame")
		}
		return BackendError{Code: msg.Code, Message: msg.Message, Retryable: msg.Retryable}, nil
	default:
		return Unrecognized{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}
