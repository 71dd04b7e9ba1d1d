// Package server runs the voxbridge HTTP listener: the telephony WebSocket
// endpoint that spawns one bridge session per connection, plus the health
// and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
)

const (
	// shutdownGrace bounds the HTTP server drain after the run context is
	// cancelled.
	shutdownGrace = 5 * time.Second

	// sessionDrainGrace bounds the wait for in-flight call sessions after
	// the listener has stopped. Sessions see the cancelled context and
	// tear down on their own; this is only the upper bound.
	sessionDrainGrace = 10 * time.Second

	// wsReadLimit raises the telephony socket's per-message limit above the
	// default; base64 media events stay far below it.
	wsReadLimit = 1 << 20
)

// Server accepts telephony WebSocket connections and bridges each to the
// configured voice engine.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	sessions  sync.WaitGroup
	sessionMu sync.Mutex
	active    int
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics overrides the metrics instance; the default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server for cfg. Run must be called to start listening.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler builds the server's route table. Exposed for tests; Run wires it
// into the listener. Sessions started via the media endpoint run under ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	instrument := observe.Middleware(s.metrics)

	h := health.New(health.FFmpeg())
	mux.Handle("GET /healthz", instrument(http.HandlerFunc(h.Healthz)))
	mux.Handle("GET /readyz", instrument(http.HandlerFunc(h.Readyz)))
	mux.Handle("GET /metrics", instrument(promhttp.Handler()))

	// The media endpoint stays outside the HTTP middleware: a bridged call
	// is not a request, and its length would drown the latency histogram.
	mux.HandleFunc("GET /media", func(w http.ResponseWriter, r *http.Request) {
		s.handleMedia(ctx, w, r)
	})
	return mux
}

// Run serves until ctx is cancelled, then drains the listener and waits for
// in-flight sessions.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(ctx),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := s.cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	s.log.Info("listening", "addr", s.cfg.Server.ListenAddr, "tls", s.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Server.ListenAddr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("listener shutdown incomplete", "err", err)
	}

	// Sessions observe the cancelled run context and converge on their own
	// teardown; give them a bounded window.
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sessionDrainGrace):
		s.log.Warn("sessions still draining at shutdown deadline", "active", s.activeSessions())
	}
	return nil
}

// handleMedia upgrades a telephony connection and runs one bridge session on
// it until the call ends.
func (s *Server) handleMedia(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("telephony websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sessCfg := bridge.Config{
		EngineURL:          s.cfg.Engine.URL,
		VoicePrompt:        s.cfg.Engine.VoicePrompt,
		TextPrompt:         s.cfg.Engine.TextPrompt,
		TelephonyRate:      s.cfg.Telephony.SampleRate,
		EngineRate:         s.cfg.Engine.SampleRate,
		ChunkDuration:      s.cfg.Telephony.ChunkDuration(),
		DrainEnabled:       s.cfg.Drain.Enabled,
		DrainWindow:        s.cfg.Drain.Window(),
		InsecureSkipVerify: s.cfg.Engine.InsecureSkipVerify,
	}
	opts := []bridge.Option{
		bridge.WithLogger(s.log),
		bridge.WithMetrics(s.metrics),
	}
	if s.cfg.Capture.Enabled {
		opts = append(opts, bridge.WithCaptureDir(s.cfg.Capture.Dir))
	}

	sess, err := bridge.New(conn, sessCfg, opts...)
	if err != nil {
		s.log.Error("session setup failed", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.sessions.Add(1)
	s.addActive(1)
	defer s.sessions.Done()
	defer s.addActive(-1)

	s.log.Info("call accepted", "session_id", sess.ID, "remote", r.RemoteAddr)
	if err := sess.Run(ctx); err != nil {
		s.log.Error("session failed", "session_id", sess.ID, "err", err)
	}
}

func (s *Server) addActive(delta int) {
	s.sessionMu.Lock()
	s.active += delta
	s.sessionMu.Unlock()
}

func (s *Server) activeSessions() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.active
}
