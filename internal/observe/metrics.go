// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, tracing helpers, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ActiveSessions tracks the number of bridged calls currently running.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks full call length from accept to teardown.
	SessionDuration metric.Float64Histogram

	// FramesForwarded counts audio frames crossing the bridge. Use with attributes:
	//   attribute.String("transport", "telephony"|"engine"), attribute.String("direction", "in"|"out")
	FramesForwarded metric.Int64Counter

	// BytesForwarded counts audio payload bytes crossing the bridge, with
	// the same attributes as FramesForwarded.
	BytesForwarded metric.Int64Counter

	// StageStalls counts fatal pipeline stalls detected by the watchdog.
	StageStalls metric.Int64Counter

	// EngineConnectRetries counts failed voice-engine dial attempts.
	EngineConnectRetries metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sessionBuckets defines histogram bucket boundaries (in seconds) sized for
// phone-call durations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.sessions.active",
		metric.WithDescription("Number of bridged calls currently running."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxbridge.session.duration",
		metric.WithDescription("Call length from accept to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("voxbridge.frames.forwarded",
		metric.WithDescription("Audio frames crossing the bridge by transport and direction."),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("voxbridge.bytes.forwarded",
		metric.WithDescription("Audio payload bytes crossing the bridge by transport and direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StageStalls, err = m.Int64Counter("voxbridge.pipeline.stalls",
		metric.WithDescription("Fatal pipeline stalls detected by the watchdog."),
	); err != nil {
		return nil, err
	}
	if met.EngineConnectRetries, err = m.Int64Counter("voxbridge.engine.connect_retries",
		metric.WithDescription("Failed voice-engine dial attempts."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// SessionStarted records a session becoming active.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records a session teardown and its total duration.
func (m *Metrics) SessionEnded(ctx context.Context, d time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, d.Seconds())
}

// FrameForwarded records one audio frame of n payload bytes crossing the
// bridge.
func (m *Metrics) FrameForwarded(ctx context.Context, transport, direction string, n int) {
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("direction", direction),
	)
	m.FramesForwarded.Add(ctx, 1, attrs)
	m.BytesForwarded.Add(ctx, int64(n), attrs)
}

// StallDetected records a fatal pipeline stall.
func (m *Metrics) StallDetected(ctx context.Context) {
	m.StageStalls.Add(ctx, 1)
}

// EngineConnectRetry records a failed engine dial attempt.
func (m *Metrics) EngineConnectRetry(ctx context.Context) {
	m.EngineConnectRetries.Add(ctx, 1)
}
