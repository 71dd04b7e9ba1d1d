package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the documented default for every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = 24000
	}
	if cfg.Telephony.SampleRate == 0 {
		cfg.Telephony.SampleRate = 8000
	}
	if cfg.Telephony.ChunkMS == 0 {
		cfg.Telephony.ChunkMS = 20
	}
	if cfg.Drain.WindowSeconds == 0 {
		cfg.Drain.WindowSeconds = 8
	}
	if cfg.Capture.Dir == "" {
		cfg.Capture.Dir = "captures"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Engine.URL == "" {
		errs = append(errs, errors.New("engine.url is required"))
	} else if u, err := url.Parse(cfg.Engine.URL); err != nil {
		errs = append(errs, fmt.Errorf("engine.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("engine.url scheme %q is invalid; use ws or wss", u.Scheme))
	}
	if cfg.Engine.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d must be positive", cfg.Engine.SampleRate))
	}

	if cfg.Telephony.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d must be positive", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.ChunkMS < 10 || cfg.Telephony.ChunkMS > 100 {
		errs = append(errs, fmt.Errorf("telephony.chunk_ms %d is out of range [10, 100]", cfg.Telephony.ChunkMS))
	}

	if cfg.Drain.WindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("drain.window_seconds %d must not be negative", cfg.Drain.WindowSeconds))
	}
	if cfg.Drain.Enabled && cfg.Drain.WindowSeconds == 0 {
		errs = append(errs, errors.New("drain.window_seconds is required when drain is enabled"))
	}

	return errors.Join(errs...)
}
