package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_InitMetadata(t *testing.T) {
	raw := []byte(`{
		"type":"init_metadata",
		"conversation_id":"conv_123",
		"audio_format":{"encoding":"pcm_s16le","sample_rate_hz":24000,"channels":1}
	}`)

	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	meta, ok := ev.(InitMetadata)
	if !ok {
		t.Fatalf("decoded type = %T, want InitMetadata", ev)
	}
	if meta.ConversationID != "conv_123" {
		t.Fatalf("conversation_id=%q", meta.ConversationID)
	}
	if meta.Format.Encoding != EncodingPCMS16LE || meta.Format.SampleRateHz != 24000 {
		t.Fatalf("format=%+v", meta.Format)
	}
	if meta.Format.None() {
		t.Fatal("format should not be text-only")
	}
}

func TestDecode_InitMetadataTextOnly(t *testing.T) {
	raw := []byte(`{"type":"init_metadata","conversation_id":"c","audio_format":{"encoding":"none"}}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !ev.(InitMetadata).Format.None() {
		t.Fatal("encoding none should report a text-only format")
	}
}

func TestDecode_TextEvents(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"text_partial","text":"hel"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p, ok := ev.(TextPartial); !ok || p.Text != "hel" {
		t.Fatalf("event=%#v", ev)
	}

	ev, err = Decode([]byte(`{"type":"text_final","text":"hello"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f, ok := ev.(TextFinal); !ok || f.Text != "hello" {
		t.Fatalf("event=%#v", ev)
	}
}

func TestDecode_AudioChunk(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xff}
	raw, _ := json.Marshal(map[string]string{
		"type":      "audio_chunk",
		"audio_b64": base64.StdEncoding.EncodeToString(payload),
	})

	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	chunk, ok := ev.(AudioChunk)
	if !ok {
		t.Fatalf("decoded type = %T, want AudioChunk", ev)
	}
	if !bytes.Equal(chunk.Data, payload) {
		t.Fatalf("data=%x want %x", chunk.Data, payload)
	}
}

func TestDecode_AudioChunkBadBase64(t *testing.T) {
	_, err := Decode([]byte(`{"type":"audio_chunk","audio_b64":"!!not-base64!!"}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if decodeErr.Type != "audio_chunk" {
		t.Fatalf("type=%q", decodeErr.Type)
	}
}

func TestDecode_KeepaliveProbe(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"keepalive_probe","id":"ping-7"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	probe, ok := ev.(KeepaliveProbe)
	if !ok || probe.ID != "ping-7" {
		t.Fatalf("event=%#v", ev)
	}

	if _, err := Decode([]byte(`{"type":"keepalive_probe"}`)); err == nil {
		t.Fatal("probe without id should fail to decode")
	}
}

func TestDecode_InterruptionAndError(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"interruption","reason":"user_spoke"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if intr, ok := ev.(Interruption); !ok || intr.Reason != "user_spoke" {
		t.Fatalf("event=%#v", ev)
	}

	ev, err = Decode([]byte(`{"type":"error","code":"agent_unavailable","message":"backend busy","retryable":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	be, ok := ev.(BackendError)
	if !ok || be.Code != "agent_unavailable" || !be.Retryable {
		t.Fatalf("event=%#v", ev)
	}
}

func TestDecode_UnknownTypeIsUnrecognized(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"future_thing","payload":42}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := ev.(Unrecognized)
	if !ok {
		t.Fatalf("decoded type = %T, want Unrecognized", ev)
	}
	if u.Type != "future_thing" {
		t.Fatalf("type=%q", u.Type)
	}
}

func TestDecode_NonJSONIsUnrecognized(t *testing.T) {
	ev, err := Decode([]byte("not json at all"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := ev.(Unrecognized); !ok {
		t.Fatalf("decoded type = %T, want Unrecognized", ev)
	}
}

func TestOutboundFrames(t *testing.T) {
	turn := NewUserTurn("hi there", 3)
	raw, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal user_turn: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "user_turn" || decoded["text"] != "hi there" || decoded["seq"] != float64(3) {
		t.Fatalf("frame=%v", decoded)
	}

	ack := NewKeepaliveAck("ping-7")
	if ack.Type != "keepalive_ack" || ack.ID != "ping-7" {
		t.Fatalf("ack=%+v", ack)
	}
}
