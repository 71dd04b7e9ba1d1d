// Command voxbridge bridges telephony WebSocket calls to a conversational
// voice engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/server"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		slog.Warn("ffmpeg not found on PATH — sessions will fail until it is installed")
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := server.New(cfg, server.WithLogger(logger))

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", trimValue(cfg.Engine.URL))
	printRow("Telephony rate", fmt.Sprintf("%d Hz", cfg.Telephony.SampleRate))
	printRow("Engine rate", fmt.Sprintf("%d Hz", cfg.Engine.SampleRate))
	printRow("Chunk", fmt.Sprintf("%d ms", cfg.Telephony.ChunkMS))
	if cfg.Drain.Enabled {
		printRow("Drain", fmt.Sprintf("up to %d s", cfg.Drain.WindowSeconds))
	} else {
		printRow("Drain", "(disabled)")
	}
	if cfg.Capture.Enabled {
		printRow("Capture", trimValue(cfg.Capture.Dir))
	} else {
		printRow("Capture", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func trimValue(v string) string {
	if len(v) > 19 {
		return v[:16] + "…"
	}
	return v
}
