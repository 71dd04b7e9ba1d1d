// Package config provides the configuration schema and loader for the
// voxbridge server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unknown values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxbridge. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader] and is immutable
// once loaded.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Drain     DrainConfig     `yaml:"drain"`
	Capture   CaptureConfig   `yaml:"capture"`
}

// ServerConfig holds network and logging settings for the voxbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig describes the voice-engine endpoint each session connects to.
type EngineConfig struct {
	// URL is the engine's WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// VoicePrompt and TextPrompt are forwarded to the engine as query
	// parameters on every session connect. Either may be empty.
	VoicePrompt string `yaml:"voice_prompt"`
	TextPrompt  string `yaml:"text_prompt"`

	// SampleRate is the engine-side PCM rate in Hz. Default 24000.
	SampleRate int `yaml:"sample_rate"`

	// InsecureSkipVerify disables TLS certificate verification on the
	// engine dial. Test environments only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// TelephonyConfig describes the caller-side audio format.
type TelephonyConfig struct {
	// SampleRate is the caller-side PCM rate in Hz. Default 8000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkMS is the outbound media frame duration in milliseconds.
	// Default 20.
	ChunkMS int `yaml:"chunk_ms"`
}

// DrainConfig controls whether a session keeps delivering trailing engine
// audio after the caller has stopped sending.
type DrainConfig struct {
	Enabled bool `yaml:"enabled"`

	// WindowSeconds bounds the drain phase. Default 8.
	WindowSeconds int `yaml:"window_seconds"`
}

// CaptureConfig controls per-session debug artifact capture.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the base directory artifacts are written under. Default
	// "captures".
	Dir string `yaml:"dir"`
}

// ChunkDuration returns the outbound frame duration as a [time.Duration].
func (t TelephonyConfig) ChunkDuration() time.Duration {
	return time.Duration(t.ChunkMS) * time.Millisecond
}

// Window returns the drain window as a [time.Duration].
func (d DrainConfig) Window() time.Duration {
	return time.Duration(d.WindowSeconds) * time.Second
}
