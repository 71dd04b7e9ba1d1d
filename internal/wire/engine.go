// Package wire implements the two framings voxbridge translates between:
// the voice engine's binary frames (one leading type byte plus payload) and
// the telephony provider's JSON envelopes carrying base64 PCM.
package wire

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Engine frame type tags. The engine sends 0x00 once on connect as a
// handshake; afterwards 0x01 carries one compressed-audio chunk at the fixed
// session sample rate and 0x02 carries UTF-8 text tokens.
const (
	FrameHandshake byte = 0x00
	FrameAudio     byte = 0x01
	FrameText      byte = 0x02
)

// EngineFrame is a parsed engine binary frame. Payload aliases the input
// buffer; callers that retain it across reads must copy.
type EngineFrame struct {
	Type    byte
	Payload []byte
}

// ErrEmptyFrame is returned for zero-length engine messages, which carry no
// type byte and cannot be classified.
var ErrEmptyFrame = fmt.Errorf("wire: empty engine frame")

// ParseEngineFrame splits a binary engine message into type tag and payload.
// Unknown type tags parse successfully; classification is the caller's
// concern so it can log and drop rather than fail the stream.
func ParseEngineFrame(msg []byte) (EngineFrame, error) {
	if len(msg) == 0 {
		return EngineFrame{}, ErrEmptyFrame
	}
	return EngineFrame{Type: msg[0], Payload: msg[1:]}, nil
}

// EngineAudioFrame builds a 0x01 frame around one compressed-audio chunk.
func EngineAudioFrame(chunk []byte) []byte {
	frame := make([]byte, 1+len(chunk))
	frame[0] = FrameAudio
	copy(frame[1:], chunk)
	return frame
}

// DecodeText decodes an 0x02 payload permissively: invalid UTF-8 sequences
// are replaced with U+FFFD, never treated as fatal.
func DecodeText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	return strings.ToValidUTF8(string(payload), string(utf8.RuneError))
}
