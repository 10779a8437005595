// Package observe provides application-wide observability primitives for
// Aura: OpenTelemetry metrics, tracing and the HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Aura metrics.
const meterName = "github.com/MrWong99/aura"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("outcome", "connected"|"permission_denied"|"channel_error"|"error"|"superseded")
	SessionStarts metric.Int64Counter

	// ActiveSessions is 1 while a session is connected.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from Start to Connected.
	ConnectDuration metric.Float64Histogram

	// --- Audio ---

	// FramesSent counts microphone frames delivered to the live channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded under backpressure.
	FramesDropped metric.Int64Counter

	// PlaybackUnits counts model audio chunks scheduled for playback.
	PlaybackUnits metric.Int64Counter

	// Interruptions counts barge-in flushes of the playback queue.
	Interruptions metric.Int64Counter

	// --- Live channel ---

	// DecodeErrors counts inbound payloads dropped as malformed. Use with
	// attribute: attribute.String("provider", ...)
	DecodeErrors metric.Int64Counter

	// Turns counts committed conversation turns.
	Turns metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", "ok"|"error"|"unknown")
	ToolCalls metric.Int64Counter

	// ToolDuration tracks in-process tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP latency by ServeMux route and
	// status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and tool latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionStarts, err = m.Int64Counter("aura.session.starts",
		metric.WithDescription("Session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aura.session.active",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("aura.session.connect.duration",
		metric.WithDescription("Time from start to a connected live channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("aura.capture.frames_sent",
		metric.WithDescription("Microphone frames sent to the live channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aura.capture.frames_dropped",
		metric.WithDescription("Microphone frames dropped because the sender fell behind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnits, err = m.Int64Counter("aura.playback.units",
		metric.WithDescription("Model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("aura.playback.interruptions",
		metric.WithDescription("Playback flushes caused by user barge-in."),
	); err != nil {
		return nil, err
	}

	if met.DecodeErrors, err = m.Int64Counter("aura.live.decode_errors",
		metric.WithDescription("Inbound live channel payloads dropped as malformed, by provider."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("aura.transcript.turns",
		metric.WithDescription("Committed conversation turns."),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("aura.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("aura.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("aura.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by route and status."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// RecordSessionStart records one Start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, outcome string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordToolCall records one tool invocation and its latency in seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, seconds, attrs)
}

// RecordDecodeError records one dropped inbound payload.
func (m *Metrics) RecordDecodeError(ctx context.Context, provider string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
