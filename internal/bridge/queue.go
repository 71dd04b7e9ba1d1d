// Package bridge implements the per-call transcoding pipeline between a
// telephony WebSocket and a voice-engine WebSocket: staged goroutines joined
// by bounded queues, a stall watchdog, and the session lifecycle controller
// that owns both sockets and both codec subprocesses.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueCapacity is the depth of every stage queue. When a consumer
// falls behind, the oldest buffered audio is evicted so the call stays close
// to real time instead of accumulating latency.
const defaultQueueCapacity = 500

// Queue is a bounded FIFO of byte buffers joining two pipeline stages.
// Producers never block: pushing into a full queue evicts the oldest entry.
// A nil buffer is the end-of-stream sentinel; producers push it exactly once
// as their final entry and consumers exit after seeing it.
//
// Queue supports one producer and one consumer goroutine.
type Queue struct {
	name    string
	ch      chan []byte
	mu      sync.Mutex
	dropped atomic.Int64
}

// NewQueue creates a queue with the given name (used in logs and the
// heartbeat) and capacity.
func NewQueue(name string, capacity int) *Queue {
	return &Queue{name: name, ch: make(chan []byte, capacity)}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Push appends buf without ever blocking the producer. On a full queue it
// evicts the oldest entry first. Pushing nil marks end of stream.
func (q *Queue) Push(buf []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.ch <- buf:
		return
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- buf:
	default:
		// Zero-capacity queue with no waiting consumer; the buffer is lost.
		q.dropped.Add(1)
	}
}

// Pop removes the oldest buffer, waiting up to timeout for one to arrive.
// ok is false on timeout. A nil buffer with ok=true is the end-of-stream
// sentinel.
func (q *Queue) Pop(timeout time.Duration) (buf []byte, ok bool) {
	select {
	case buf = <-q.ch:
		return buf, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf = <-q.ch:
		return buf, true
	case <-timer.C:
		return nil, false
	}
}

// Len returns the number of buffers currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns how many buffers have been evicted or lost so far.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
