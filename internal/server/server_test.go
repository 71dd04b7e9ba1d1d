package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engine.URL = "ws://engine.test/voice"
	config.ApplyDefaults(cfg)

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
	)
}

func TestHandlerHealthz(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Handler(context.Background()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status"`) {
		t.Errorf("/healthz body = %q, want JSON status", body)
	}
}

func TestHandlerReadyzReportsCodecCheck(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Handler(context.Background()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 200 or 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ffmpeg") {
		t.Errorf("/readyz body = %q, want ffmpeg check result", body)
	}
}

func TestHandlerMetrics(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Handler(context.Background()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("/metrics body is empty")
	}
}

func TestHandlerMediaRejectsPlainHTTP(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Handler(context.Background()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/media")
	if err != nil {
		t.Fatalf("GET /media: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		t.Errorf("/media without upgrade status = %d, want client error", resp.StatusCode)
	}
}

func TestHandlerMediaMethodNotAllowed(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Handler(context.Background()))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/media", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /media: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /media status = %d, want 405", resp.StatusCode)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := testServer(t)
	srv.cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestRunFailsOnBadListenAddr(t *testing.T) {
	srv := testServer(t)
	srv.cfg.Server.ListenAddr = "256.256.256.256:99999"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Run(ctx); err == nil {
		t.Error("Run() = nil error for invalid listen address")
	}
}
