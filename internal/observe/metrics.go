// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, tracing, trace-correlated logging and
// HTTP middleware for the metrics/health server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
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
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening the remote session takes. Use
	// with attribute.String("provider", ...).
	ConnectDuration metric.Float64Histogram

	// PlayDuration tracks how long one PlaySynchronous call blocks.
	PlayDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Audio counters ---

	// FramesSent counts captured frames handed to the link.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames lost before sending. Use with attribute:
	//   attribute.String("reason", "overflow"|"muted"|"fatal")
	FramesDropped metric.Int64Counter

	// ChunksPlayed counts inbound audio chunks written to the sink.
	ChunksPlayed metric.Int64Counter

	// ChunksDiscarded counts inbound chunks dropped because their turn was
	// interrupted.
	ChunksDiscarded metric.Int64Counter

	// --- Conversation counters ---

	// Interruptions counts barge-ins. Use with attribute:
	//   attribute.String("source", "link"|"local")
	Interruptions metric.Int64Counter

	// TurnsCompleted counts reply turns that ended normally.
	TurnsCompleted metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// StateTransitions counts session state changes. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// Reconnects counts sessions re-created after a link failure.
	Reconnects metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts fatal session errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "config"|"device"|"link")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and tool latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playBuckets covers single-chunk playback, which tracks chunk duration.
var playBuckets = []float64{
	0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livevoice.link.connect.duration",
		metric.WithDescription("Latency of opening the remote audio session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlayDuration, err = m.Float64Histogram("livevoice.sink.play.duration",
		metric.WithDescription("Time spent blocked writing one chunk to the speaker."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("livevoice.tool_execution.duration",
		metric.WithDescription("Latency of tool handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livevoice.frames.sent",
		metric.WithDescription("Captured frames sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevoice.frames.dropped",
		metric.WithDescription("Captured frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPlayed, err = m.Int64Counter("livevoice.chunks.played",
		metric.WithDescription("Inbound audio chunks played."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDiscarded, err = m.Int64Counter("livevoice.chunks.discarded",
		metric.WithDescription("Inbound audio chunks discarded after an interruption."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livevoice.interruptions",
		metric.WithDescription("Barge-in interruptions by source."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("livevoice.turns.completed",
		metric.WithDescription("Reply turns completed."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("livevoice.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("livevoice.session.transitions",
		metric.WithDescription("Session state transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.Reconnects, err = m.Int64Counter("livevoice.session.reconnects",
		metric.WithDescription("Sessions re-created after a link failure."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("livevoice.session.errors",
		metric.WithDescription("Fatal session errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of sessions in the Active state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("HTTP request latency of the metrics and health server."),
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
// fails (should not happen with the global provider).
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

// RecordFramesDropped adds n to the dropped-frames counter for reason. Zero
// is ignored.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInterruption records one barge-in from source.
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records a transition into state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordSessionError is a convenience method that records a fatal session
// error counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
