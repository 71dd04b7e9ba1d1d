package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/internal/capture"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/wire"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"golang.org/x/sync/errgroup"
)

const (
	// connectAttempts bounds the engine dial retries at session start. The
	// engine connection is never re-established mid-session.
	connectAttempts = 5

	// connectBackoff is the initial retry delay; it doubles per attempt.
	connectBackoff = time.Second

	// handshakeTimeout bounds the wait for the engine's ready frame after a
	// successful dial.
	handshakeTimeout = 15 * time.Second

	// keepaliveInterval is the engine transport ping cadence.
	keepaliveInterval = 5 * time.Second

	// popTimeout is how long stage loops wait on their input queue before
	// re-checking for cancellation.
	popTimeout = 200 * time.Millisecond

	// silenceTailDuration is the zero-sample tail appended after the last
	// caller audio so the encoder flushes its final frames.
	silenceTailDuration = 500 * time.Millisecond

	// drainQuietWindow is how long the decoder must stay silent before an
	// early drain exit.
	drainQuietWindow = 500 * time.Millisecond

	// drainPollInterval is the cadence of the drain early-exit check.
	drainPollInterval = 100 * time.Millisecond

	// wsReadLimit raises the per-message size limit on both sockets well
	// above any frame either protocol produces.
	wsReadLimit = 1 << 20
)

// State is a session's lifecycle phase. Transitions are one-way; every
// session ends in [StateClosed] regardless of how it got there.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateStopReceived
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateStopReceived:
		return "stop-received"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// wsConn is the subset of [websocket.Conn] a session uses on each side, kept
// as an interface so tests can substitute in-memory peers.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// codecProcess is the subprocess adapter surface the pipeline stages drive;
// satisfied by [codec.Process].
type codecProcess interface {
	Start() error
	Write(b []byte) bool
	CloseInput()
	Read(max int, timeout time.Duration) ([]byte, error)
	Stop()
}

// Config carries the per-session bridge parameters, read once at session
// creation and immutable afterwards.
type Config struct {
	// EngineURL is the voice engine's WebSocket endpoint.
	EngineURL string

	// VoicePrompt and TextPrompt are forwarded to the engine as query
	// parameters; empty values are omitted.
	VoicePrompt string
	TextPrompt  string

	// TelephonyRate is the caller-side PCM sample rate. Default 8000.
	TelephonyRate int

	// EngineRate is the engine-side PCM sample rate. Default 24000.
	EngineRate int

	// ChunkDuration is the outbound media frame duration. Default 20ms.
	ChunkDuration time.Duration

	// DrainEnabled keeps the outbound chain alive after the caller stops,
	// for up to DrainWindow, so a trailing engine response is delivered.
	DrainEnabled bool
	DrainWindow  time.Duration

	// InsecureSkipVerify disables TLS certificate verification on the
	// engine dial. Test environments only.
	InsecureSkipVerify bool
}

func (c *Config) applyDefaults() {
	if c.TelephonyRate == 0 {
		c.TelephonyRate = 8000
	}
	if c.EngineRate == 0 {
		c.EngineRate = 24000
	}
	if c.ChunkDuration == 0 {
		c.ChunkDuration = 20 * time.Millisecond
	}
	if c.DrainWindow == 0 {
		c.DrainWindow = 8 * time.Second
	}
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithLogger sets the session's base logger. The session id attribute is
// appended automatically.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics overrides the metrics instance; the default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCapture attaches a debug artifact set; nil (the default) disables
// capture.
func WithCapture(set *capture.Set) Option {
	return func(s *Session) { s.capture = set }
}

// WithCaptureDir enables debug artifact capture under dir/<session id>/. A
// capture setup failure is logged and the session runs without capture.
func WithCaptureDir(dir string) Option {
	return func(s *Session) { s.captureDir = dir }
}

// WithDialer overrides the engine dial function. Used by tests to connect
// sessions to in-memory engines.
func WithDialer(dial func(ctx context.Context, url string) (wsConn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithCodecs overrides the encoder and decoder subprocess adapters. Used by
// tests to avoid an ffmpeg dependency.
func WithCodecs(encoder, decoder codecProcess) Option {
	return func(s *Session) {
		s.encoder = encoder
		s.decoder = decoder
	}
}

// Session bridges one telephony caller to one voice-engine connection. It is
// created per accepted telephony socket and runs until either peer ends the
// call or a fatal pipeline error occurs.
type Session struct {
	// ID is the short session identifier carried on every log line.
	ID string

	cfg        Config
	log        *slog.Logger
	metrics    *observe.Metrics
	capture    *capture.Set
	captureDir string

	tele   wsConn
	engine wsConn
	dial   func(ctx context.Context, url string) (wsConn, error)

	encoder codecProcess
	decoder codecProcess

	up   *audio.Resampler
	down *audio.Resampler

	pcm8k  *Queue
	pcm24k *Queue
	opus   *Queue
	pcmOut *Queue
	stats  *Stats
	mon    *monitor

	state       atomic.Int32
	mediaSeen   atomic.Bool
	stopSeen    atomic.Bool
	lastDecoded atomic.Int64 // unix nanos of the last decoder output

	// inboundDone is closed by the encode stage once the final encoder
	// flush has been sent; it starts the drain phase.
	inboundDone chan struct{}
	cancel      context.CancelFunc
}

// New creates a session bridging the already-accepted telephony connection
// to the engine named in cfg. Run must be called to start it.
func New(tele wsConn, cfg Config, opts ...Option) (*Session, error) {
	cfg.applyDefaults()
	if cfg.EngineURL == "" {
		return nil, errors.New("bridge: engine URL is required")
	}

	up, err := audio.NewResampler(cfg.TelephonyRate, cfg.EngineRate)
	if err != nil {
		return nil, fmt.Errorf("bridge: upsampler: %w", err)
	}
	down, err := audio.NewResampler(cfg.EngineRate, cfg.TelephonyRate)
	if err != nil {
		return nil, fmt.Errorf("bridge: downsampler: %w", err)
	}

	s := &Session{
		ID:          uuid.NewString()[:8],
		cfg:         cfg,
		log:         slog.Default(),
		tele:        tele,
		up:          up,
		down:        down,
		pcm8k:       NewQueue("pcm8k", defaultQueueCapacity),
		pcm24k:      NewQueue("pcm24k", defaultQueueCapacity),
		opus:        NewQueue("opus", defaultQueueCapacity),
		pcmOut:      NewQueue("pcmout", defaultQueueCapacity),
		stats:       NewStats(pipelineStages...),
		inboundDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", s.ID)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.capture == nil && s.captureDir != "" {
		set, err := capture.NewSet(s.captureDir, s.ID, s.log)
		if err != nil {
			s.log.Warn("capture disabled", "err", err)
		} else {
			s.capture = set
		}
	}
	if s.dial == nil {
		s.dial = newDialer(cfg.InsecureSkipVerify)
	}
	if s.encoder == nil {
		s.encoder = codecEncoder(cfg.EngineRate)
	}
	if s.decoder == nil {
		s.decoder = codecDecoder(cfg.TelephonyRate)
	}
	s.mon = newMonitor(s.log, s.stats, s.pcm8k, s.pcm24k, s.opus, s.pcmOut)
	return s, nil
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session to completion: engine connect and handshake, codec
// startup, the stage goroutines, and the single teardown path all fatal and
// clean exits converge on. It returns nil for a normally ended call.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.lastDecoded.Store(start.UnixNano())
	s.metrics.SessionStarted(ctx)
	defer func() {
		s.metrics.SessionEnded(ctx, time.Since(start))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	err := s.connect(ctx)
	if err == nil {
		err = s.stream(ctx)
	}
	s.teardown()

	s.log.Info("session ended",
		"duration", time.Since(start).Round(time.Millisecond),
		"caller_bytes", s.stats.Bytes(StageTeleRecv),
		"engine_bytes", s.stats.Bytes(StageEngineRecv),
		"err", err,
	)
	if err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	return nil
}

// connect dials the engine with bounded retries and waits for its ready
// frame, then launches both codec subprocesses.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	engineURL, err := s.engineURL()
	if err != nil {
		return err
	}

	backoff := connectBackoff
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := s.dial(ctx, engineURL)
		if err == nil {
			s.engine = conn
			s.log.Info("engine connected", "attempt", attempt)
			break
		}
		lastErr = err
		s.log.Warn("engine connect failed", "attempt", attempt, "err", err)
		s.metrics.EngineConnectRetry(ctx)
		if attempt == connectAttempts {
			return fmt.Errorf("connect engine after %d attempts: %w", connectAttempts, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err := s.awaitHandshake(ctx); err != nil {
		return err
	}
	if err := s.encoder.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	if err := s.decoder.Start(); err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	return nil
}

// engineURL appends the configured prompts as query parameters.
func (s *Session) engineURL() (string, error) {
	u, err := url.Parse(s.cfg.EngineURL)
	if err != nil {
		return "", fmt.Errorf("parse engine URL: %w", err)
	}
	q := u.Query()
	if s.cfg.VoicePrompt != "" {
		q.Set("voice_prompt", s.cfg.VoicePrompt)
	}
	if s.cfg.TextPrompt != "" {
		q.Set("text_prompt", s.cfg.TextPrompt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitHandshake reads engine frames until the ready frame arrives. Frames
// received before it are logged and ignored.
func (s *Session) awaitHandshake(ctx context.Context) error {
	s.setState(StateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	for {
		typ, data, err := s.engine.Read(hctx)
		if err != nil {
			if hctx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("no engine handshake within %v", handshakeTimeout)
			}
			return fmt.Errorf("engine handshake: %w", err)
		}
		if typ != websocket.MessageBinary {
			s.log.Warn("non-binary engine frame before handshake ignored")
			continue
		}
		frame, err := wire.ParseEngineFrame(data)
		if err != nil {
			s.log.Warn("malformed engine frame before handshake", "err", err)
			continue
		}
		if frame.Type == wire.FrameHandshake {
			s.log.Info("engine handshake complete")
			return nil
		}
		s.log.Warn("engine frame before handshake ignored", "type", frame.Type)
	}
}

// stream runs all stage goroutines under one errgroup. Fatal errors from any
// stage cancel the rest; clean exits return nil and do not.
func (s *Session) stream(ctx context.Context) error {
	s.setState(StateStreaming)
	s.log.Info("session streaming",
		"telephony_rate", s.cfg.TelephonyRate,
		"engine_rate", s.cfg.EngineRate,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.recvTelephony(gctx) })
	g.Go(func() error { return s.resampleUp(gctx) })
	g.Go(func() error { return s.encodeAndSend(gctx) })
	g.Go(func() error { return s.recvEngine(gctx) })
	g.Go(func() error { return s.feedDecoder(gctx) })
	g.Go(func() error { return s.readDecoder(gctx) })
	g.Go(func() error { return s.sendTelephony(gctx) })
	g.Go(func() error { return s.keepalive(gctx) })
	g.Go(func() error { return s.supervise(gctx) })
	g.Go(func() error {
		err := s.mon.run(gctx)
		if err != nil {
			s.metrics.StallDetected(gctx)
		}
		return err
	})
	// A stage blocked in a codec pipe write or a socket read cannot observe
	// cancellation. Stopping the subprocesses breaks their pipes and closing
	// the sockets fails pending reads, so every stage can exit and Wait
	// returns even when a codec process hangs.
	g.Go(func() error {
		<-gctx.Done()
		s.encoder.Stop()
		s.decoder.Stop()
		if s.engine != nil {
			_ = s.engine.Close(websocket.StatusNormalClosure, "session ended")
		}
		_ = s.tele.Close(websocket.StatusNormalClosure, "session ended")
		return nil
	})
	return g.Wait()
}

// supervise waits for the inbound chain to finish, optionally drains any
// trailing engine audio, and then shuts the remaining stages down.
func (s *Session) supervise(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.inboundDone:
	}

	if s.cfg.DrainEnabled && s.mediaSeen.Load() {
		s.setState(StateDraining)
		s.log.Info("draining trailing engine audio", "window", s.cfg.DrainWindow)
		deadline := time.NewTimer(s.cfg.DrainWindow)
		ticker := time.NewTicker(drainPollInterval)
		defer deadline.Stop()
		defer ticker.Stop()
	drain:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-deadline.C:
				s.log.Info("drain window elapsed")
				break drain
			case <-ticker.C:
				quietFor := time.Since(time.Unix(0, s.lastDecoded.Load()))
				if s.opus.Len() == 0 && s.pcmOut.Len() == 0 && quietFor > drainQuietWindow {
					s.log.Info("drain complete", "quiet_for", quietFor.Round(time.Millisecond))
					break drain
				}
			}
		}
	}
	s.cancel()
	return nil
}

// keepalive pings the engine socket so intermediaries keep the connection
// open through long silences. Failures are left to the receive loop to
// classify.
func (s *Session) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.engine.Ping(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("engine keepalive ping failed", "err", err)
			}
		}
	}
}

// teardown is the single convergence point for every way a session can end.
// Safe to call with a partially constructed session.
func (s *Session) teardown() {
	s.encoder.Stop()
	s.decoder.Stop()
	if s.engine != nil {
		_ = s.engine.Close(websocket.StatusNormalClosure, "session ended")
	}
	_ = s.tele.Close(websocket.StatusNormalClosure, "session ended")
	s.capture.Close()
	s.setState(StateClosed)
}

// newDialer returns the production engine dial function.
func newDialer(insecureSkipVerify bool) func(ctx context.Context, rawURL string) (wsConn, error) {
	return func(ctx context.Context, rawURL string) (wsConn, error) {
		opts := &websocket.DialOptions{}
		if insecureSkipVerify {
			opts.HTTPClient = &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				},
			}
		}
		conn, _, err := websocket.Dial(ctx, rawURL, opts)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(wsReadLimit)
		return conn, nil
	}
}
