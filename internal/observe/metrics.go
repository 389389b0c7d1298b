// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint ([MetricsHandler]). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("result", "ok"|"error")
	SessionStarts metric.Int64Counter

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from Start until the remote side
	// acknowledged the session setup.
	ConnectDuration metric.Float64Histogram

	// --- Capture ---

	// CaptureFramesSent counts encoded frames handed to the transport.
	CaptureFramesSent metric.Int64Counter

	// CaptureFramesDropped counts frames dropped because the outbound queue
	// was full.
	CaptureFramesDropped metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts decoded chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackInterruptions counts barge-in flushes.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackScheduledSeconds accumulates the duration of scheduled audio.
	PlaybackScheduledSeconds metric.Float64Counter

	// --- Errors ---

	// ProtocolErrors counts inbound chunks that could not be decoded. Use with
	// attribute:
	//   attribute.String("kind", ...)
	ProtocolErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionStarts, err = m.Int64Counter("livevoice.session.starts",
		metric.WithDescription("Total session start attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.session.state",
		metric.WithDescription("Number of sessions currently active."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livevoice.session.connect.duration",
		metric.WithDescription("Latency from start until the remote side accepted the session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.CaptureFramesSent, err = m.Int64Counter("livevoice.capture.frames.sent",
		metric.WithDescription("Total captured frames sent to the remote side."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFramesDropped, err = m.Int64Counter("livevoice.capture.frames.dropped",
		metric.WithDescription("Total captured frames dropped because the send queue was full."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("livevoice.playback.chunks",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("livevoice.playback.interruptions",
		metric.WithDescription("Total playback flushes caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduledSeconds, err = m.Float64Counter("livevoice.playback.scheduled.seconds",
		metric.WithDescription("Total duration of audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.ProtocolErrors, err = m.Int64Counter("livevoice.protocol.errors",
		metric.WithDescription("Total inbound chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("Control API request latency by method and route."),
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

// RecordSessionStart records a start attempt with its result ("ok" or
// "error").
func (m *Metrics) RecordSessionStart(ctx context.Context, result string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordProtocolError records a dropped inbound chunk or message. kind is
// "decode" for audio payloads and "message" for unreadable server messages.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlayback records one scheduled chunk of the given duration.
func (m *Metrics) RecordPlayback(ctx context.Context, seconds float64) {
	m.PlaybackChunks.Add(ctx, 1)
	m.PlaybackScheduledSeconds.Add(ctx, seconds)
}
