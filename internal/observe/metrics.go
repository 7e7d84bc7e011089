// Package observe provides application-wide observability primitives for
// LingoCast: OpenTelemetry metrics, tracing helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge set up by [InitProvider], so the standard /metrics
// endpoint keeps working. All convenience recorders are nil-safe: components
// accept an optional *Metrics and record unconditionally.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all LingoCast metrics.
const meterName = "github.com/lingocast/lingocast"

// Metrics holds all OpenTelemetry metric instruments for the server. All
// fields are safe for concurrent use.
type Metrics struct {
	// TranslationsReceived counts inbound translation frames. Attributes:
	//   language
	TranslationsReceived metric.Int64Counter

	// BroadcastsDelivered counts translation frames fanned out to listeners.
	// Attributes: language, audio ("url", "local", "none")
	BroadcastsDelivered metric.Int64Counter

	// SynthesisDuration tracks upstream synthesis latency in seconds.
	// Attributes: engine, status
	SynthesisDuration metric.Float64Histogram

	// CacheLookups counts audio cache lookups. Attributes: outcome ("hit",
	// "miss")
	CacheLookups metric.Int64Counter

	// AuthAttempts counts admin authentication attempts. Attributes: method,
	// status
	AuthAttempts metric.Int64Counter

	// FramesRejected counts inbound frames refused with an error frame.
	// Attributes: code
	FramesRejected metric.Int64Counter

	// ActiveConnections tracks open WebSocket connections. Attributes: role
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks live broadcast sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for synthesis and
// HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranslationsReceived, err = m.Int64Counter("lingocast.translations.received",
		metric.WithDescription("Inbound translation frames by language."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastsDelivered, err = m.Int64Counter("lingocast.broadcasts.delivered",
		metric.WithDescription("Translation broadcasts delivered to listeners by language and audio kind."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("lingocast.synthesis.duration",
		metric.WithDescription("Upstream synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("lingocast.audiocache.lookups",
		metric.WithDescription("Audio cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AuthAttempts, err = m.Int64Counter("lingocast.auth.attempts",
		metric.WithDescription("Admin authentication attempts by method and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesRejected, err = m.Int64Counter("lingocast.frames.rejected",
		metric.WithDescription("Inbound frames rejected, by error code."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("lingocast.active_connections",
		metric.WithDescription("Open WebSocket connections by role."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lingocast.active_sessions",
		metric.WithDescription("Live broadcast sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingocast.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Tests should use [NewMetrics] with
// their own provider instead.
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

// RecordTranslation counts one inbound translation frame.
func (m *Metrics) RecordTranslation(ctx context.Context, language string) {
	if m == nil {
		return
	}
	m.TranslationsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)))
}

// RecordBroadcast counts one delivered broadcast. audio is "url", "local", or
// "none" depending on the degradation outcome.
func (m *Metrics) RecordBroadcast(ctx context.Context, language, audio string) {
	if m == nil {
		return
	}
	m.BroadcastsDelivered.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("audio", audio),
		))
}

// RecordAuthAttempt counts one authentication attempt.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, method, status string) {
	if m == nil {
		return
	}
	m.AuthAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		))
}

// RecordRejectedFrame counts one rejected inbound frame.
func (m *Metrics) RecordRejectedFrame(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.FramesRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)))
}

// ConnectionOpened adjusts the connection gauge up.
func (m *Metrics) ConnectionOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// ConnectionClosed adjusts the connection gauge down.
func (m *Metrics) ConnectionClosed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

// SessionStarted adjusts the session gauge up.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded adjusts the session gauge down.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
