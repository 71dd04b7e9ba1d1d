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
	// encodeBatchDuration is how much engine-rate PCM is accumulated before
	// each encoder write. Larger batches keep the Opus packet cadence
	// steady; smaller ones reduce latency.
	encodeBatchDuration = 200 * time.Millisecond

	// encoderDrainTimeout is the per-read wait while draining encoder
	// output after a batch write.
	encoderDrainTimeout = 30 * time.Millisecond

	// maxFinalDrainReads bounds the flush loop after the encoder input is
	// closed, in case the process lingers.
	maxFinalDrainReads = 100
)

// recvTelephony is the inbound chain's head: it reads caller events off the
// telephony socket and feeds decoded PCM into the pipeline. A stop event or
// a socket close ends the inbound stream; neither is an error.
func (s *Session) recvTelephony(ctx context.Context) error {
	for {
		typ, data, err := s.tele.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logTelephonyClose(err)
			s.finishInbound("telephony socket closed")
			return nil
		}
		if typ != websocket.MessageText {
			s.log.Warn("non-text telephony frame ignored", "len", len(data))
			continue
		}
		ev, err := wire.ParseTelephonyEvent(data)
		if err != nil {
			s.log.Warn("malformed telephony event skipped", "err", err)
			continue
		}
		switch ev.Event {
		case wire.EventStart:
			s.log.Info("telephony stream started")
		case wire.EventMedia:
			pcm, err := ev.PCM()
			if err != nil {
				s.log.Warn("undecodable media payload skipped", "err", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if len(pcm)%audio.BytesPerSample != 0 {
				s.log.Warn("odd-length media payload truncated", "len", len(pcm))
				pcm = pcm[:len(pcm)-1]
			}
			s.mediaSeen.Store(true)
			s.stats.Touch(StageTeleRecv, len(pcm))
			s.metrics.FrameForwarded(ctx, "telephony", "in", len(pcm))
			s.capture.Write("tele_in.pcm", pcm)
			s.pcm8k.Push(pcm)
		case wire.EventStop:
			s.finishInbound("stop event")
			return nil
		default:
			s.log.Debug("telephony event ignored", "event", ev.Event)
		}
	}
}

func (s *Session) logTelephonyClose(err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		s.log.Info("telephony socket closed by peer")
		return
	}
	s.log.Warn("telephony socket ended", "err", err)
}

// finishInbound ends the caller-side audio stream exactly once: a silence
// tail flushes the encoder's final frames, then the sentinel propagates down
// the inbound chain.
func (s *Session) finishInbound(reason string) {
	if !s.stopSeen.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateStopReceived)
	s.log.Info("inbound stream finished", "reason", reason)
	if s.mediaSeen.Load() {
		s.pcm8k.Push(audio.Silence(s.cfg.TelephonyRate, silenceTailDuration))
	}
	s.pcm8k.Push(nil)
}

// resampleUp converts caller-rate PCM to engine-rate PCM.
func (s *Session) resampleUp(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		buf, ok := s.pcm8k.Pop(popTimeout)
		if !ok {
			continue
		}
		if buf == nil {
			s.pcm24k.Push(nil)
			return nil
		}
		out := s.up.Resample(buf)
		if len(out) == 0 {
			continue
		}
		s.stats.Touch(StageResampleUp, len(out))
		s.capture.Write("resampled_24k.pcm", out)
		s.pcm24k.Push(out)
	}
}

// encodeAndSend batches engine-rate PCM into the encoder and forwards every
// compressed chunk to the engine as it appears. On the sentinel it flushes
// the final partial batch, closes the encoder input, and drains whatever the
// encoder still has buffered before signalling the inbound chain done.
func (s *Session) encodeAndSend(ctx context.Context) error {
	defer close(s.inboundDone)
	batchTarget := audio.FrameBytes(s.cfg.EngineRate, encodeBatchDuration)
	var batch []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		buf, ok := s.pcm24k.Pop(popTimeout)
		if !ok {
			continue
		}
		if buf == nil {
			if len(batch) > 0 {
				s.encoder.Write(batch)
			}
			s.encoder.CloseInput()
			if err := s.drainEncoder(ctx, true); err != nil {
				return err
			}
			s.log.Info("inbound chain complete",
				"encoded_bytes", s.stats.Bytes(StageEncode),
				"sent_bytes", s.stats.Bytes(StageEngineSend),
			)
			return nil
		}
		batch = append(batch, buf...)
		if len(batch) < batchTarget {
			continue
		}
		if !s.encoder.Write(batch) {
			return errors.New("encoder write failed")
		}
		batch = batch[:0]
		if err := s.drainEncoder(ctx, false); err != nil {
			return err
		}
	}
}

// drainEncoder forwards encoder output to the engine. In steady state it
// stops after two consecutive empty reads so the stage returns to consuming
// input; in final mode it reads until the encoder has exited or the attempt
// bound is hit.
func (s *Session) drainEncoder(ctx context.Context, final bool) error {
	empties, reads := 0, 0
	for {
		chunk, err := s.encoder.Read(4096, encoderDrainTimeout)
		if err != nil {
			if final {
				return nil
			}
			return fmt.Errorf("encoder output ended: %w", err)
		}
		reads++
		if len(chunk) == 0 {
			empties++
			if !final && empties >= 2 {
				return nil
			}
			if final && reads >= maxFinalDrainReads {
				s.log.Warn("encoder flush read bound reached")
				return nil
			}
			continue
		}
		empties = 0
		s.stats.Touch(StageEncode, len(chunk))
		s.capture.Write("encoder_out.ogg", chunk)
		if err := s.engine.Write(ctx, websocket.MessageBinary, wire.EngineAudioFrame(chunk)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("engine send: %w", err)
		}
		s.stats.Touch(StageEngineSend, len(chunk))
		s.metrics.FrameForwarded(ctx, "engine", "out", len(chunk))
	}
}
