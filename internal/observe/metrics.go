// Package observe provides OpenTelemetry metrics for the gateway, bridged
// to Prometheus so they can be scraped from the standard /metrics endpoint.
//
// Tests should build their own [Metrics] with a private
// [metric.MeterProvider] to avoid cross-test pollution. All recording
// methods are safe on a nil receiver, so wiring metrics is optional
// everywhere.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all gateway metrics.
const meterName = "github.com/parleylabs/parley"

// waitBuckets defines histogram boundaries (seconds) for pool waits:
// sub-millisecond when idle engines exist, whole seconds under load.
var waitBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30,
}

// Metrics holds the metric instruments. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Runs counts completed runs, attributed by terminal state
	// (done, interrupted, timeout, error).
	Runs metric.Int64Counter

	// Chunks counts generated deltas delivered to clients.
	Chunks metric.Int64Counter

	// PoolWait tracks how long runs waited for a free engine.
	PoolWait metric.Float64Histogram

	// STTReconnects counts upstream STT link reconnections, attributed
	// by url.
	STTReconnects metric.Int64Counter

	// ActiveSessions tracks the number of live client connections.
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Runs, err = m.Int64Counter("parley.runs",
		metric.WithDescription("Completed generation runs by terminal state."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("parley.chunks",
		metric.WithDescription("Generated text deltas delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.PoolWait, err = m.Float64Histogram("parley.pool.wait",
		metric.WithDescription("Time spent waiting for a free engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTReconnects, err = m.Int64Counter("parley.stt.reconnects",
		metric.WithDescription("Upstream STT link reconnections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Live client connections."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordRun records one completed run with its terminal state.
func (m *Metrics) RecordRun(ctx context.Context, terminal string) {
	if m == nil {
		return
	}
	m.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("terminal", terminal)))
}

// RecordChunks records n delivered deltas.
func (m *Metrics) RecordChunks(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.Chunks.Add(ctx, n)
}

// RecordPoolWait records one pool acquisition wait.
func (m *Metrics) RecordPoolWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PoolWait.Record(context.Background(), d.Seconds())
}

// RecordSTTReconnect records one reconnection of the link to url.
func (m *Metrics) RecordSTTReconnect(ctx context.Context, url string) {
	if m == nil {
		return
	}
	m.STTReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("url", url)))
}

// AddSessions moves the live-session gauge by delta.
func (m *Metrics) AddSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
