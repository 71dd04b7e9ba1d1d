package bridge

import (
	"sync"
	"time"
)

// Stage names, in pipeline order. The inbound chain carries caller audio to
// the engine, the outbound chain carries engine audio back to the caller.
const (
	StageTeleRecv     = "tele_recv"
	StageResampleUp   = "resample_up"
	StageEncode       = "encode"
	StageEngineSend   = "engine_send"
	StageEngineRecv   = "engine_recv"
	StageDecode       = "decode"
	StageResampleDown = "resample_down"
	StageTeleSend     = "tele_send"
)

// upstreamOf names the stage that feeds each stage. Receive stages have no
// upstream: when they go quiet the peer is simply not talking.
var upstreamOf = map[string]string{
	StageResampleUp:   StageTeleRecv,
	StageEncode:       StageResampleUp,
	StageEngineSend:   StageEncode,
	StageDecode:       StageEngineRecv,
	StageResampleDown: StageDecode,
	StageTeleSend:     StageResampleDown,
}

// pipelineStages lists every stage in order for stats and heartbeat output.
var pipelineStages = []string{
	StageTeleRecv, StageResampleUp, StageEncode, StageEngineSend,
	StageEngineRecv, StageDecode, StageResampleDown, StageTeleSend,
}

// Stats tracks per-stage activity for one session: cumulative bytes, frame
// counts, and the time of the last successful unit of work. The monitor
// calls [Stats.Tick] once per interval to obtain per-window deltas; Touch is
// called by the stage goroutines. Safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	stages map[string]*stageActivity
	order  []string
}

type stageActivity struct {
	last      time.Time
	bytes     int64
	frames    int64
	prevBytes int64
}

// StageTick is one stage's activity summary for a monitor window.
type StageTick struct {
	Name string
	// Idle is how long ago the stage last completed a unit of work.
	Idle time.Duration
	// Delta is the byte count processed during the window just ended.
	Delta int64
	// Bytes is the cumulative byte count.
	Bytes int64
	// Frames is the cumulative frame or chunk count.
	Frames int64
}

// NewStats creates activity records for the given stages, all considered
// active "now" so a stage that never runs is measured from session start.
func NewStats(stages ...string) *Stats {
	now := time.Now()
	s := &Stats{stages: make(map[string]*stageActivity, len(stages)), order: stages}
	for _, name := range stages {
		s.stages[name] = &stageActivity{last: now}
	}
	return s
}

// Touch records a completed unit of work of n bytes for stage. Unknown stage
// names are ignored.
func (s *Stats) Touch(stage string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.stages[stage]
	if !ok {
		return
	}
	a.last = time.Now()
	a.bytes += int64(n)
	a.frames++
}

// Bytes returns the cumulative byte count for stage.
func (s *Stats) Bytes(stage string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.stages[stage]; ok {
		return a.bytes
	}
	return 0
}

// Tick closes the current window: it returns one [StageTick] per stage in
// registration order and resets the per-window byte deltas. Exactly one
// goroutine should drive Tick.
func (s *Stats) Tick(now time.Time) []StageTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageTick, 0, len(s.order))
	for _, name := range s.order {
		a := s.stages[name]
		out = append(out, StageTick{
			Name:   name,
			Idle:   now.Sub(a.last),
			Delta:  a.bytes - a.prevBytes,
			Bytes:  a.bytes,
			Frames: a.frames,
		})
		a.prevBytes = a.bytes
	}
	return out
}
