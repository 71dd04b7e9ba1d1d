package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/internal/wire"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

const (
	// decoderFeedBatch bounds how many queued compressed payloads are
	// written to the decoder per iteration, keeping feed latency low while
	// amortising the queue handoff.
	decoderFeedBatch = 20

	// decoderReadTimeout is the per-read wait of the continuous decoder
	// output loop.
	decoderReadTimeout = 200 * time.Millisecond
)

// recvEngine is the outbound chain's head: it classifies engine frames,
// queueing audio for the decoder and logging text tokens. Audio and text
// never share a path.
func (s *Session) recvEngine(ctx context.Context) error {
	for {
		typ, data, err := s.engine.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.opus.Push(nil)
			if s.stopSeen.Load() {
				s.log.Info("engine socket closed after stop", "err", err)
				return nil
			}
			return fmt.Errorf("engine socket: %w", err)
		}
		if typ != websocket.MessageBinary {
			s.log.Warn("non-binary engine frame ignored", "len", len(data))
			continue
		}
		frame, err := wire.ParseEngineFrame(data)
		if err != nil {
			s.log.Warn("malformed engine frame skipped", "err", err)
			continue
		}
		switch frame.Type {
		case wire.FrameHandshake:
			s.log.Debug("repeated engine handshake ignored")
		case wire.FrameAudio:
			if len(frame.Payload) == 0 {
				continue
			}
			s.stats.Touch(StageEngineRecv, len(frame.Payload))
			s.metrics.FrameForwarded(ctx, "engine", "in", len(frame.Payload))
			s.capture.Write("engine_in.ogg", frame.Payload)
			s.opus.Push(frame.Payload)
		case wire.FrameText:
			s.log.Info("engine text", "text", wire.DecodeText(frame.Payload))
		default:
			s.log.Warn("unknown engine frame dropped", "type", frame.Type, "len", len(frame.Payload))
		}
	}
}

// feedDecoder writes queued compressed payloads to the decoder in small
// batches.
func (s *Session) feedDecoder(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		buf, ok := s.opus.Pop(popTimeout)
		if !ok {
			continue
		}
		for i := 0; ; i++ {
			if buf == nil {
				s.decoder.CloseInput()
				return nil
			}
			if !s.decoder.Write(buf) {
				return errors.New("decoder write failed")
			}
			if i+1 >= decoderFeedBatch {
				break
			}
			buf, ok = s.opus.Pop(0)
			if !ok {
				break
			}
		}
	}
}

// readDecoder continuously drains decoder output, converts it to caller-rate
// PCM, and slices it into fixed-duration frames. The remainder below one
// frame is carried to the next read; at end of stream a remainder of at
// least half a frame is forwarded as a short final frame.
func (s *Session) readDecoder(ctx context.Context) error {
	frameBytes := audio.FrameBytes(s.cfg.TelephonyRate, s.cfg.ChunkDuration)
	minBytes := frameBytes / 2
	var raw []byte // decoder output awaiting 16-bit alignment
	var pcm []byte // caller-rate PCM awaiting a full frame
	for {
		if ctx.Err() != nil {
			return nil
		}
		chunk, err := s.decoder.Read(4096, decoderReadTimeout)
		if err != nil {
			for _, frame := range audio.Split(pcm, frameBytes, minBytes) {
				s.forwardOutFrame(frame)
			}
			s.pcmOut.Push(nil)
			if s.stopSeen.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decoder output ended: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		s.stats.Touch(StageDecode, len(chunk))
		s.lastDecoded.Store(time.Now().UnixNano())
		s.capture.Write("decoder_out.pcm", chunk)

		raw = append(raw, chunk...)
		aligned := len(raw) &^ 1
		if aligned == 0 {
			continue
		}
		pcm = append(pcm, s.down.Resample(raw[:aligned])...)
		raw = append(raw[:0], raw[aligned:]...)

		for len(pcm) >= frameBytes {
			s.forwardOutFrame(pcm[:frameBytes:frameBytes])
			pcm = pcm[frameBytes:]
		}
	}
}

func (s *Session) forwardOutFrame(frame []byte) {
	s.stats.Touch(StageResampleDown, len(frame))
	s.pcmOut.Push(frame)
}

// sendTelephony wraps caller-rate PCM frames as media events and writes them
// to the telephony socket.
func (s *Session) sendTelephony(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok := s.pcmOut.Pop(popTimeout)
		if !ok {
			continue
		}
		if frame == nil {
			s.log.Info("outbound chain complete",
				"sent_bytes", s.stats.Bytes(StageTeleSend))
			return nil
		}
		msg, err := wire.MediaEvent(frame)
		if err != nil {
			return fmt.Errorf("build media event: %w", err)
		}
		if err := s.tele.Write(ctx, websocket.MessageText, msg); err != nil {
			if ctx.Err() != nil || s.stopSeen.Load() {
				return nil
			}
			return fmt.Errorf("telephony send: %w", err)
		}
		s.stats.Touch(StageTeleSend, len(frame))
		s.metrics.FrameForwarded(ctx, "telephony", "out", len(frame))
		s.capture.Write("tele_out.pcm", frame)
	}
}
