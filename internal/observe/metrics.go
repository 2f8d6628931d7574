// Package observe provides application-wide observability primitives for
// shotsense: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be scraped
// via the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all shotsense metrics.
const meterName = "github.com/MrWong99/shotsense"

// Queue names used as the "queue" attribute.
const (
	QueueAnalysis = "analysis"
	QueuePersist  = "persist"
)

// Event kinds used as the "kind" attribute of [Metrics.EventsEmitted].
const (
	EventDetected = "detected"
	EventNegative = "negative"
	EventClear    = "clear"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// PacketsCaptured counts device packets. Use with attribute:
	//   attribute.Bool("silent", ...)
	PacketsCaptured metric.Int64Counter

	// GateDuration tracks the inline classification latency in the capture loop.
	GateDuration metric.Float64Histogram

	// FramesForwarded counts frames pushed to a consumer queue. Use with attribute:
	//   attribute.String("queue", ...)
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames evicted from a full queue. Use with attribute:
	//   attribute.String("queue", ...)
	FramesDropped metric.Int64Counter

	// CaptureErrors counts device failures that ended a capture session.
	CaptureErrors metric.Int64Counter

	// --- Analysis ---

	// AnalysisDuration tracks authoritative classification + angle latency.
	AnalysisDuration metric.Float64Histogram

	// EventsEmitted counts events delivered to the sink. Use with attribute:
	//   attribute.String("kind", ...)
	EventsEmitted metric.Int64Counter

	// --- Persistence ---

	// BytesPersisted counts PCM bytes written to the WAV file.
	BytesPersisted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// OverlayClients tracks the number of connected overlay subscribers.
	OverlayClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) sized for
// per-packet work that must finish within a few milliseconds.
var frameBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.PacketsCaptured, err = m.Int64Counter("shotsense.capture.packets",
		metric.WithDescription("Device packets read by the capture loop, by silence flag."),
	); err != nil {
		return nil, err
	}
	if met.GateDuration, err = m.Float64Histogram("shotsense.capture.gate.duration",
		metric.WithDescription("Latency of the inline high-frequency gate."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("shotsense.queue.forwarded",
		metric.WithDescription("Frames pushed to a consumer queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("shotsense.queue.dropped",
		metric.WithDescription("Frames evicted from a full consumer queue."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("shotsense.capture.errors",
		metric.WithDescription("Device failures that ended a capture session."),
	); err != nil {
		return nil, err
	}

	// Analysis.
	if met.AnalysisDuration, err = m.Float64Histogram("shotsense.analysis.duration",
		metric.WithDescription("Latency of authoritative classification and angle estimation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EventsEmitted, err = m.Int64Counter("shotsense.analysis.events",
		metric.WithDescription("Events delivered to the sink by kind."),
	); err != nil {
		return nil, err
	}

	// Persistence.
	if met.BytesPersisted, err = m.Int64Counter("shotsense.persist.bytes",
		metric.WithDescription("PCM bytes written to the WAV file."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("shotsense.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("shotsense.overlay.clients",
		metric.WithDescription("Number of connected overlay subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("shotsense.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPacket increments the packet counter.
func (m *Metrics) RecordPacket(ctx context.Context, silent bool) {
	m.PacketsCaptured.Add(ctx, 1, metric.WithAttributes(attribute.Bool("silent", silent)))
}

// RecordForwarded increments the forwarded-frame counter for queue.
func (m *Metrics) RecordForwarded(ctx context.Context, queue string) {
	m.FramesForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDropped increments the dropped-frame counter for queue.
func (m *Metrics) RecordDropped(ctx context.Context, queue string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordEvent increments the event counter for kind.
func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
