package wire

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestParseEngineFrame_RoundTrip(t *testing.T) {
	payload := []byte{0x4f, 0x67, 0x67, 0x53, 0x00, 0x02}
	msg := EngineAudioFrame(payload)

	frame, err := ParseEngineFrame(msg)
	if err != nil {
		t.Fatalf("ParseEngineFrame: %v", err)
	}
	if frame.Type != FrameAudio {
		t.Errorf("type = 0x%02x, want 0x%02x", frame.Type, FrameAudio)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("payload = %v, want %v", frame.Payload, payload)
	}
}

func TestParseEngineFrame_Empty(t *testing.T) {
	if _, err := ParseEngineFrame(nil); err == nil {
		t.Error("ParseEngineFrame(nil) succeeded, want error")
	}
}

func TestParseEngineFrame_HandshakeNoPayload(t *testing.T) {
	frame, err := ParseEngineFrame([]byte{FrameHandshake})
	if err != nil {
		t.Fatalf("ParseEngineFrame: %v", err)
	}
	if frame.Type != FrameHandshake {
		t.Errorf("type = 0x%02x, want 0x%02x", frame.Type, FrameHandshake)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(frame.Payload))
	}
}

func TestParseEngineFrame_UnknownTagStillParses(t *testing.T) {
	frame, err := ParseEngineFrame([]byte{0x7f, 1, 2, 3})
	if err != nil {
		t.Fatalf("ParseEngineFrame: %v", err)
	}
	if frame.Type != 0x7f {
		t.Errorf("type = 0x%02x, want 0x7f", frame.Type)
	}
}

func TestDecodeText_Valid(t *testing.T) {
	if got := DecodeText([]byte("hello, caller")); got != "hello, caller" {
		t.Errorf("DecodeText = %q", got)
	}
}

func TestDecodeText_InvalidBytesReplaced(t *testing.T) {
	got := DecodeText([]byte{'h', 'i', 0xff, 0xfe, '!'})
	if !strings.Contains(got, "hi") || !strings.Contains(got, "!") {
		t.Errorf("DecodeText lost valid runes: %q", got)
	}
	if !strings.ContainsRune(got, '�') {
		t.Errorf("DecodeText did not replace invalid bytes: %q", got)
	}
}

func TestMediaEvent_RoundTrip(t *testing.T) {
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	msg, err := MediaEvent(pcm)
	if err != nil {
		t.Fatalf("MediaEvent: %v", err)
	}
	ev, err := ParseTelephonyEvent(msg)
	if err != nil {
		t.Fatalf("ParseTelephonyEvent: %v", err)
	}
	if ev.Event != EventMedia {
		t.Errorf("event = %q, want %q", ev.Event, EventMedia)
	}
	got, err := ev.PCM()
	if err != nil {
		t.Fatalf("PCM: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM differs from original")
	}
}

func TestParseTelephonyEvent_MalformedJSON(t *testing.T) {
	if _, err := ParseTelephonyEvent([]byte("{not json")); err == nil {
		t.Error("malformed JSON parsed without error")
	}
}

func TestParseTelephonyEvent_UnknownEvent(t *testing.T) {
	ev, err := ParseTelephonyEvent([]byte(`{"event":"dtmf","digit":"5"}`))
	if err != nil {
		t.Fatalf("ParseTelephonyEvent: %v", err)
	}
	if ev.Event != "dtmf" {
		t.Errorf("event = %q, want dtmf", ev.Event)
	}
}

func TestPCM_MissingPayload(t *testing.T) {
	ev, err := ParseTelephonyEvent([]byte(`{"event":"media"}`))
	if err != nil {
		t.Fatalf("ParseTelephonyEvent: %v", err)
	}
	if _, err := ev.PCM(); err == nil {
		t.Error("PCM on media event without payload succeeded, want error")
	}
}

func TestPCM_InvalidBase64(t *testing.T) {
	ev := TelephonyEvent{Event: EventMedia, Media: &Media{Payload: "%%%"}}
	if _, err := ev.PCM(); err == nil {
		t.Error("PCM on invalid base64 succeeded, want error")
	}
}

func TestPCM_ValidBase64(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	ev := TelephonyEvent{
		Event: EventMedia,
		Media: &Media{Payload: base64.StdEncoding.EncodeToString(raw)},
	}
	got, err := ev.PCM()
	if err != nil {
		t.Fatalf("PCM: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("PCM = %v, want %v", got, raw)
	}
}
