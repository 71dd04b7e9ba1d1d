package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// monitorInterval is how often the monitor samples stage activity and
	// logs a heartbeat.
	monitorInterval = time.Second

	// stallThreshold is the per-stage idle age beyond which a stage counts
	// as stalled, provided its upstream stage produced data in the current
	// window. An idle stage with an idle upstream is just a quiet call.
	stallThreshold = 2 * time.Second
)

// ErrStalled is returned by the monitor when a pipeline stage has stopped
// making progress while its input keeps arriving. It is fatal to the
// session.
var ErrStalled = errors.New("bridge: pipeline stage stalled")

// monitor drives the once-per-second sampling loop of one session: it emits
// the heartbeat log line and detects stalled stages.
type monitor struct {
	log       *slog.Logger
	stats     *Stats
	queues    []*Queue
	interval  time.Duration
	threshold time.Duration
}

func newMonitor(log *slog.Logger, stats *Stats, queues ...*Queue) *monitor {
	return &monitor{
		log:       log,
		stats:     stats,
		queues:    queues,
		interval:  monitorInterval,
		threshold: stallThreshold,
	}
}

// run samples stage activity every interval until ctx is cancelled. It
// returns a wrapped [ErrStalled] when any stage exceeds the idle threshold
// while its upstream stage moved in the same window; that error tears the
// session down.
func (m *monitor) run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			ticks := m.stats.Tick(now)
			stalled := m.findStalled(ticks)
			m.log.Info("heartbeat",
				"queues", m.formatQueues(),
				"stages", formatStages(ticks),
				"stalled", strings.Join(stalled, ","),
			)
			if len(stalled) > 0 {
				m.log.Error("pipeline stalled",
					"stages", strings.Join(stalled, ","),
					"counters", formatStages(ticks),
					"queues", m.formatQueues(),
				)
				return fmt.Errorf("%w: %s", ErrStalled, strings.Join(stalled, ","))
			}
		}
	}
}

// findStalled returns the names of stages that are idle past the threshold
// while their upstream stage produced bytes in this window.
func (m *monitor) findStalled(ticks []StageTick) []string {
	byName := make(map[string]StageTick, len(ticks))
	for _, t := range ticks {
		byName[t.Name] = t
	}
	var stalled []string
	for _, t := range ticks {
		up, ok := upstreamOf[t.Name]
		if !ok {
			continue
		}
		if t.Idle > m.threshold && byName[up].Delta > 0 {
			stalled = append(stalled, t.Name)
		}
	}
	return stalled
}

// formatQueues renders current queue depths, with eviction totals where any
// occurred, e.g. "pcm8k=12 pcm24k=0 opus=3(drop 7) pcmout=1".
func (m *monitor) formatQueues() string {
	var b strings.Builder
	for i, q := range m.queues {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d", q.Name(), q.Len())
		if d := q.Dropped(); d > 0 {
			fmt.Fprintf(&b, "(drop %d)", d)
		}
	}
	return b.String()
}

// formatStages renders one window of stage activity, e.g.
// "tele_recv +3200B/0.1s encode +960B/0.3s".
func formatStages(ticks []StageTick) string {
	var b strings.Builder
	for i, t := range ticks {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s +%dB/%.1fs", t.Name, t.Delta, t.Idle.Seconds())
	}
	return b.String()
}
