// Package observe provides the observability primitives for triviahost:
// OpenTelemetry metrics for the realtime voice session, tracing helpers, a
// span-correlated slog logger, and HTTP middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all triviahost metrics.
const meterName = "github.com/MrWong99/triviahost"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks the time from Connect to an open channel,
	// including device acquisition. Use with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// Connects counts connect attempts by outcome. Use with attributes:
	//   attribute.String("status", ...), attribute.String("kind", ...)
	Connects metric.Int64Counter

	// FramesSent counts microphone blocks delivered to the channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone blocks that were skipped or failed to
	// send. Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// BuffersScheduled counts inbound audio buffers placed on the timeline.
	BuffersScheduled metric.Int64Counter

	// BuffersDropped counts inbound chunks that were discarded. Use with
	// attribute.String("reason", ...).
	BuffersDropped metric.Int64Counter

	// PlaybackSeconds accumulates the duration of scheduled model speech.
	PlaybackSeconds metric.Float64Counter

	// Interruptions counts barge-in signals from the model.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionErrors counts classified session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks status-server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session setup, which includes device start-up and a TLS handshake.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("triviahost.connect.duration",
		metric.WithDescription("Latency of establishing a realtime voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Connects, err = m.Int64Counter("triviahost.connects",
		metric.WithDescription("Total connect attempts by status and error kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("triviahost.frames.sent",
		metric.WithDescription("Microphone blocks sent to the speech model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("triviahost.frames.dropped",
		metric.WithDescription("Microphone blocks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("triviahost.buffers.scheduled",
		metric.WithDescription("Inbound audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.BuffersDropped, err = m.Int64Counter("triviahost.buffers.dropped",
		metric.WithDescription("Inbound audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSeconds, err = m.Float64Counter("triviahost.playback.seconds",
		metric.WithDescription("Total scheduled model speech."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("triviahost.interruptions",
		metric.WithDescription("Barge-in signals received from the speech model."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("triviahost.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("triviahost.session.errors",
		metric.WithDescription("Classified session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("triviahost.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("triviahost.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records the outcome and latency of one connect attempt.
// kind is empty on success.
func (m *Metrics) RecordConnect(ctx context.Context, status, kind string, seconds float64) {
	m.Connects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("kind", kind),
	))
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFrameDropped records one dropped microphone block.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBufferDropped records one dropped inbound audio chunk.
func (m *Metrics) RecordBufferDropped(ctx context.Context, reason string) {
	m.BuffersDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSessionError records a classified session error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
