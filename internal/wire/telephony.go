package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Telephony event names carried in the JSON envelope's "event" field.
// Events other than these are ignored by the bridge.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
)

// TelephonyEvent is the JSON envelope exchanged with the telephony side.
type TelephonyEvent struct {
	Event string `json:"event"`
	Media *Media `json:"media,omitempty"`
}

// Media holds the base64-encoded PCM16LE payload of a media event.
type Media struct {
	Payload string `json:"payload"`
}

// ParseTelephonyEvent decodes one telephony text frame. Malformed JSON is an
// error the caller logs and skips; it is never fatal to the session.
func ParseTelephonyEvent(msg []byte) (TelephonyEvent, error) {
	var ev TelephonyEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return TelephonyEvent{}, fmt.Errorf("wire: telephony event: %w", err)
	}
	return ev, nil
}

// PCM decodes the base64 audio payload of a media event. Returns an error
// for events without a payload or with invalid base64.
func (e TelephonyEvent) PCM() ([]byte, error) {
	if e.Media == nil || e.Media.Payload == "" {
		return nil, fmt.Errorf("wire: media event without payload")
	}
	pcm, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: media payload base64: %w", err)
	}
	return pcm, nil
}

// MediaEvent wraps raw PCM16LE bytes into the outbound media envelope,
// serialised and ready to send as a text frame.
func MediaEvent(pcm []byte) ([]byte, error) {
	ev := TelephonyEvent{
		Event: EventMedia,
		Media: &Media{Payload: base64.StdEncoding.EncodeToString(pcm)},
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal media event: %w", err)
	}
	return msg, nil
}
