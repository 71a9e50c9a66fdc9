// Package observe provides application-wide observability primitives for
// meetcap: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the local control API's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetcap metrics.
const meterName = "github.com/MrWong99/meetcap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Streaming ---

	// ChunksSent counts chunks accepted by the duplex channel.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts chunks that were produced but never handed off.
	// Use with attribute:
	//   attribute.String("reason", ...): not_open, no_session, queue_full, encode
	ChunksDropped metric.Int64Counter

	// ChunkBytes tracks the decoded payload size of sent chunks.
	ChunkBytes metric.Int64Histogram

	// Acks counts chunk acknowledgements from the backend. Use with attribute:
	//   attribute.Bool("duplicate", ...)
	Acks metric.Int64Counter

	// --- Inbound ---

	// TranscriptUpdates counts merged transcript updates. Use with attribute:
	//   attribute.String("variant", ...)
	TranscriptUpdates metric.Int64Counter

	// InboundDiscarded counts inbound frames that were not merged. Use with
	// attribute:
	//   attribute.String("reason", ...): malformed, missing_seq, invalid_seq, foreign_session
	InboundDiscarded metric.Int64Counter

	// BackendErrors counts error events pushed by the backend over the
	// channel. Use with attribute:
	//   attribute.String("code", ...)
	BackendErrors metric.Int64Counter

	// --- Sessions ---

	// SessionsStarted counts session start attempts. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	SessionsStarted metric.Int64Counter

	// StateTransitions counts controller state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks the number of sessions between start and finish
	// (0 or 1 for a single agent).
	ActiveSessions metric.Int64UpDownCounter

	// --- Backend ---

	// BackendDuration tracks REST call latency. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	BackendDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks local control API request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for REST
// and control API calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// chunkSizeBuckets are payload size boundaries in bytes, from a 250 ms mono
// 16 kHz block up to a full uploaded recording.
var chunkSizeBuckets = []float64{
	1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 16 << 20, 128 << 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Streaming.
	if met.ChunksSent, err = m.Int64Counter("meetcap.chunks.sent",
		metric.WithDescription("Chunks handed to the duplex channel."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("meetcap.chunks.dropped",
		metric.WithDescription("Chunks dropped before hand-off, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Histogram("meetcap.chunk.size",
		metric.WithDescription("Payload size of sent chunks."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(chunkSizeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Acks, err = m.Int64Counter("meetcap.chunks.acked",
		metric.WithDescription("Chunk acknowledgements received from the backend."),
	); err != nil {
		return nil, err
	}

	// Inbound.
	if met.TranscriptUpdates, err = m.Int64Counter("meetcap.transcript.updates",
		metric.WithDescription("Transcript updates merged, by variant."),
	); err != nil {
		return nil, err
	}
	if met.InboundDiscarded, err = m.Int64Counter("meetcap.inbound.discarded",
		metric.WithDescription("Inbound channel frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("meetcap.backend.errors",
		metric.WithDescription("Error events reported by the backend over the channel."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.SessionsStarted, err = m.Int64Counter("meetcap.sessions.started",
		metric.WithDescription("Session start attempts by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("meetcap.state.transitions",
		metric.WithDescription("Session controller state transitions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetcap.active_sessions",
		metric.WithDescription("Number of sessions currently in progress."),
	); err != nil {
		return nil, err
	}

	// Backend.
	if met.BackendDuration, err = m.Float64Histogram("meetcap.backend.duration",
		metric.WithDescription("Latency of backend REST calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetcap.http.request.duration",
		metric.WithDescription("Control API request latency by method and path."),
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

// RecordChunkSent records a chunk hand-off and its payload size.
func (m *Metrics) RecordChunkSent(ctx context.Context, payloadBytes int) {
	m.ChunksSent.Add(ctx, 1)
	m.ChunkBytes.Record(ctx, int64(payloadBytes))
}

// RecordChunkDropped records a chunk that was not handed off.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAck records a chunk acknowledgement.
func (m *Metrics) RecordAck(ctx context.Context, duplicate bool) {
	m.Acks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("duplicate", duplicate)))
}

// RecordTranscriptUpdate records a merged update for variant.
func (m *Metrics) RecordTranscriptUpdate(ctx context.Context, variant string) {
	m.TranscriptUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", variant)))
}

// RecordInboundDiscarded records an inbound frame that was not merged.
func (m *Metrics) RecordInboundDiscarded(ctx context.Context, reason string) {
	m.InboundDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBackendError records an error event pushed by the backend.
func (m *Metrics) RecordBackendError(ctx context.Context, code string) {
	m.BackendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordSessionStarted records a session start attempt.
func (m *Metrics) RecordSessionStarted(ctx context.Context, mode, status string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordStateTransition records a controller state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBackendCall records the latency of one backend REST call.
func (m *Metrics) RecordBackendCall(ctx context.Context, op, status string, seconds float64) {
	m.BackendDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
