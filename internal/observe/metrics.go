// Package observe provides application-wide observability primitives for
// Synapse: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Synapse metrics.
const meterName = "github.com/kestrelai/synapse"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderStreamDuration tracks the wall-clock time a single participant's
	// stream stays open, from its first chunk to its completion. Streams
	// that fail are not recorded.
	ProviderStreamDuration metric.Float64Histogram

	// StreamChunkDuration tracks the inter-arrival gap between consecutive
	// chunks emitted by any one participant stream.
	StreamChunkDuration metric.Float64Histogram

	// SummarizerDuration tracks latency of context summarization calls.
	SummarizerDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SynapseDetections counts synapse classifications emitted by the detector, by kind.
	SynapseDetections metric.Int64Counter

	// SummarizationsTriggered counts summarization runs, by outcome
	// ("llm" or "fallback").
	SummarizationsTriggered metric.Int64Counter

	// StoreOperationFailures counts store operations that fell back to the
	// in-process map.
	StoreOperationFailures metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider stream/complete errors by provider.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// SessionsActive tracks the number of live sessions.
	SessionsActive metric.Int64UpDownCounter

	// ParticipantsActive tracks the number of panelists currently streaming
	// across all sessions.
	ParticipantsActive metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// interactive LLM streaming latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderStreamDuration, err = m.Float64Histogram("synapse.provider.stream.duration",
		metric.WithDescription("Wall-clock duration of one participant stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamChunkDuration, err = m.Float64Histogram("synapse.provider.chunk.interarrival",
		metric.WithDescription("Gap between consecutive chunks of one participant stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarizerDuration, err = m.Float64Histogram("synapse.summarizer.duration",
		metric.WithDescription("Latency of context summarization calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("synapse.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.SynapseDetections, err = m.Int64Counter("synapse.detections",
		metric.WithDescription("Total synapse classifications by kind."),
	); err != nil {
		return nil, err
	}
	if met.SummarizationsTriggered, err = m.Int64Counter("synapse.summarizations",
		metric.WithDescription("Total summarization runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StoreOperationFailures, err = m.Int64Counter("synapse.store.degraded_operations",
		metric.WithDescription("Total store operations that fell back to the in-process map."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("synapse.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}

	if met.SessionsActive, err = m.Int64UpDownCounter("synapse.sessions.active",
		metric.WithDescription("Number of currently active sessions."),
	); err != nil {
		return nil, err
	}
	if met.ParticipantsActive, err = m.Int64UpDownCounter("synapse.participants.active",
		metric.WithDescription("Number of panelists currently streaming across all sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("synapse.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSynapseDetection records a synapse classification counter increment.
func (m *Metrics) RecordSynapseDetection(ctx context.Context, kind string) {
	m.SynapseDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSummarization records a summarization run counter increment.
func (m *Metrics) RecordSummarization(ctx context.Context, outcome string) {
	m.SummarizationsTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordStoreDegraded records a store operation falling back to the in-process map.
func (m *Metrics) RecordStoreDegraded(ctx context.Context, op string) {
	m.StoreOperationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
