// Package codec drives the external ffmpeg processes that perform the lossy
// half of the voxbridge transcode: PCM to Ogg Opus (encoder) and Ogg Opus to
// PCM (decoder). One Process owns one subprocess for the lifetime of a
// session; there is no mid-session restart — a dead codec process is fatal
// for the session that owns it.
//
// The stdout of the subprocess is pumped by a dedicated goroutine into a
// channel, so [Process.Read] can enforce a timeout and a hung or slow codec
// can never block the calling pipeline stage. A second goroutine drains
// stderr line by line into the log so the subprocess can never block on a
// full diagnostic pipe.
package codec

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// terminateSignal is the graceful termination request sent by [Process.Stop]
// before escalating to a kill.
var terminateSignal = syscall.SIGTERM

// stopGrace is how long Stop waits for the subprocess to exit after a
// graceful termination request before force-killing it.
const stopGrace = 2 * time.Second

// readChunkSize is the pump's per-read buffer size. Output chunking is
// arbitrary: callers accumulate, they never assume one read is one logical
// unit.
const readChunkSize = 4096

// ErrClosed is returned by [Process.Read] once the subprocess has exited, or
// the adapter was stopped, and all buffered output has been consumed.
var ErrClosed = fmt.Errorf("codec: process closed")

// Process is one external codec subprocess with a write-PCM/read-compressed
// (or inverse) byte-stream contract. Write and Read may be called from
// different goroutines; multiple concurrent readers are not supported.
type Process struct {
	tag  string
	path string
	args []string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	chunks  chan []byte
	pending []byte // unread tail of the last oversized chunk

	done     chan struct{} // closed once the process has been reaped
	waitErr  error
	closed   atomic.Bool
	stopOnce sync.Once

	writeTotal atomic.Int64
	readTotal  atomic.Int64
}

// NewEncoder returns an adapter for the PCM→Ogg-Opus encoder at the given
// input sample rate: mono, 20 ms frames, voice application profile, fixed
// 24 kbit/s bitrate with VBR off, packets flushed as soon as they are ready.
func NewEncoder(sampleRate int) *Process {
	return newProcess("opus-encoder", "ffmpeg", []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-application", "voip",
		"-frame_duration", "20",
		"-vbr", "off",
		"-b:a", "24k",
		"-flush_packets", "1",
		"-f", "ogg",
		"pipe:1",
	})
}

// NewDecoder returns an adapter for the Ogg-Opus→PCM decoder producing mono
// PCM16LE at the given output sample rate.
func NewDecoder(sampleRate int) *Process {
	return newProcess("ogg-decoder", "ffmpeg", []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "ogg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", "1",
		"-flush_packets", "1",
		"pipe:1",
	})
}

func newProcess(tag, path string, args []string) *Process {
	return &Process{
		tag:    tag,
		path:   path,
		args:   args,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Start launches the subprocess and its pump goroutines. A missing
// executable or an immediate exit is fatal to the session and is never
// retried.
func (p *Process) Start() error {
	p.cmd = exec.Command(p.path, p.args...)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("codec: %s stdin pipe: %w", p.tag, err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("codec: %s stdout pipe: %w", p.tag, err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("codec: %s stderr pipe: %w", p.tag, err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("codec: start %s (%s): %w", p.tag, p.path, err)
	}
	p.stdin = stdin

	slog.Info("codec process started", "tag", p.tag, "pid", p.cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go p.drainStderr(stderr, stderrDone)
	go p.pumpStdout(stdout, stderrDone)

	// Catch a launch that dies before producing anything, e.g. an
	// unsupported flag or a missing libopus build.
	select {
	case <-p.done:
		return fmt.Errorf("codec: %s exited immediately: %w", p.tag, p.waitErr)
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

// pumpStdout reads subprocess output until EOF and feeds it to Read via the
// chunk channel, then reaps the process.
func (p *Process) pumpStdout(stdout io.Reader, stderrDone <-chan struct{}) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			p.readTotal.Add(int64(n))
			p.chunks <- buf[:n]
		}
		if err != nil {
			break
		}
	}
	<-stderrDone
	p.waitErr = p.cmd.Wait()
	close(p.chunks)
	close(p.done)
	if p.waitErr != nil && !p.closed.Load() {
		slog.Warn("codec process exited with error",
			"tag", p.tag,
			"err", p.waitErr,
			"write_total", p.writeTotal.Load(),
			"read_total", p.readTotal.Load(),
		)
	}
}

// drainStderr keeps the subprocess's diagnostic stream flowing so it can
// never back up and block the codec. Best-effort only.
func (p *Process) drainStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			slog.Warn("codec stderr", "tag", p.tag, "line", line)
		}
	}
}

// Write feeds bytes to the subprocess input. It reports false and marks the
// adapter closed on a broken pipe or any other I/O error; backpressure is
// the pipeline queues' job, not Write's.
func (p *Process) Write(b []byte) bool {
	if p.closed.Load() {
		return false
	}
	if _, err := p.stdin.Write(b); err != nil {
		slog.Error("codec write failed", "tag", p.tag, "err", err,
			"write_total", p.writeTotal.Load())
		p.closed.Store(true)
		return false
	}
	p.writeTotal.Add(int64(len(b)))
	return true
}

// CloseInput closes the subprocess stdin, signalling end of stream so the
// codec flushes any internally buffered output. Safe to call more than once.
func (p *Process) CloseInput() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
}

// Read returns up to max bytes of subprocess output. It returns an empty
// slice after the timeout elapses with no data (not an error), and
// [ErrClosed] once the process has exited and its remaining output has been
// drained. A returned chunk is an arbitrary slice of the output stream,
// never guaranteed to align with any logical unit.
func (p *Process) Read(max int, timeout time.Duration) ([]byte, error) {
	if len(p.pending) > 0 {
		return p.takePending(max), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-p.chunks:
		if !ok {
			return nil, ErrClosed
		}
		p.pending = chunk
		return p.takePending(max), nil
	case <-timer.C:
		return []byte{}, nil
	}
}

func (p *Process) takePending(max int) []byte {
	if max <= 0 || max >= len(p.pending) {
		out := p.pending
		p.pending = nil
		return out
	}
	out := p.pending[:max]
	p.pending = p.pending[max:]
	return out
}

// Exited reports whether the subprocess has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// WriteTotal returns the cumulative bytes written to the subprocess.
func (p *Process) WriteTotal() int64 { return p.writeTotal.Load() }

// ReadTotal returns the cumulative bytes read from the subprocess.
func (p *Process) ReadTotal() int64 { return p.readTotal.Load() }

// Stop closes the input stream, asks the subprocess to terminate, and
// force-kills it if it has not exited within the grace period. Idempotent.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		p.CloseInput()

		// Keep the chunk channel flowing so the pump can reach EOF even
		// if no stage is reading any more.
		go func() {
			for range p.chunks {
			}
		}()

		_ = p.cmd.Process.Signal(terminateSignal)
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			slog.Warn("codec process did not exit in time, killing", "tag", p.tag)
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		slog.Info("codec process stopped",
			"tag", p.tag,
			"write_total", p.writeTotal.Load(),
			"read_total", p.readTotal.Load(),
		)
	})
}
