package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestSessionLifecycleInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx, 42*time.Second)

	rm := collect(t, reader)

	active := findMetric(rm, "voxbridge.sessions.active")
	if active == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := active.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active sessions metric has no sum data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	dur := findMetric(rm, "voxbridge.session.duration")
	if dur == nil {
		t.Fatal("session duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("session duration metric has no histogram data")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("session duration count = %d, want 1", got)
	}
}

func TestFrameForwardedAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FrameForwarded(ctx, "telephony", "in", 320)
	m.FrameForwarded(ctx, "telephony", "in", 320)
	m.FrameForwarded(ctx, "engine", "out", 480)

	rm := collect(t, reader)

	frames := findMetric(rm, "voxbridge.frames.forwarded")
	if frames == nil {
		t.Fatal("frames metric not found")
	}
	sum, ok := frames.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("frames metric is not a sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("frames metric has %d attribute sets, want 2", len(sum.DataPoints))
	}

	wantTransport := attribute.String("transport", "telephony")
	for _, dp := range sum.DataPoints {
		if tr, _ := dp.Attributes.Value(wantTransport.Key); tr.AsString() == "telephony" {
			if dp.Value != 2 {
				t.Errorf("telephony/in frames = %d, want 2", dp.Value)
			}
		}
	}

	bytes := findMetric(rm, "voxbridge.bytes.forwarded")
	if bytes == nil {
		t.Fatal("bytes metric not found")
	}
	bsum := bytes.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range bsum.DataPoints {
		total += dp.Value
	}
	if total != 2*320+480 {
		t.Errorf("total bytes = %d, want %d", total, 2*320+480)
	}
}

func TestCounterInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.StallDetected(ctx)
	m.EngineConnectRetry(ctx)
	m.EngineConnectRetry(ctx)

	rm := collect(t, reader)

	for _, tc := range []struct {
		name string
		want int64
	}{
		{"voxbridge.pipeline.stalls", 1},
		{"voxbridge.engine.connect_retries", 2},
	} {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no sum data", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics() returned different instances")
	}
}
