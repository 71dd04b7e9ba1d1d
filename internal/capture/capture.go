// Package capture writes per-session debugging artifacts: the raw byte
// streams flowing through selected pipeline stages, so a problematic call
// can be replayed through ffmpeg by hand. Capture is strictly best-effort —
// a full disk or a permissions problem must never affect the call itself.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxArtifactBytes caps each artifact file. Long calls would otherwise fill
// the disk with PCM.
const maxArtifactBytes = 2 << 20

// Set is the collection of artifact files for one session, living under
// <dir>/<session id>/. A nil *Set is valid and discards everything, so call
// sites need no capture-enabled checks.
type Set struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]*artifact
}

type artifact struct {
	f       *os.File
	written int64
	capped  bool
	failed  bool
}

// NewSet creates the session's artifact directory. The returned Set owns
// every file it lazily creates; Close releases them.
func NewSet(baseDir, sessionID string, log *slog.Logger) (*Set, error) {
	dir := filepath.Join(baseDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: create %s: %w", dir, err)
	}
	return &Set{dir: dir, log: log, files: make(map[string]*artifact)}, nil
}

// Write appends b to the named artifact, creating the file on first use.
// Writes beyond the size cap and writes after any error are silently
// dropped.
func (s *Set) Write(name string, b []byte) {
	if s == nil || len(b) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.files[name]
	if !ok {
		a = &artifact{}
		f, err := os.Create(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("capture artifact unavailable", "name", name, "err", err)
			a.failed = true
		} else {
			a.f = f
		}
		s.files[name] = a
	}
	if a.failed || a.capped {
		return
	}
	if a.written+int64(len(b)) > maxArtifactBytes {
		b = b[:maxArtifactBytes-a.written]
		a.capped = true
	}
	n, err := a.f.Write(b)
	a.written += int64(n)
	if err != nil {
		s.log.Warn("capture write failed", "name", name, "err", err)
		a.failed = true
	}
	if a.capped {
		s.log.Info("capture artifact reached size cap", "name", name)
	}
}

// Close flushes and closes every artifact file.
func (s *Set) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.files {
		if a.f != nil {
			if err := a.f.Close(); err != nil {
				s.log.Warn("capture close failed", "name", name, "err", err)
			}
		}
	}
	s.files = make(map[string]*artifact)
}

// Dir returns the session's artifact directory.
func (s *Set) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}
