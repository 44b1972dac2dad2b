// Package observe provides application-wide observability primitives for
// Engram: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All convenience recorders are nil-safe: components take an optional
// *Metrics and a nil receiver disables instrumentation without any call-site
// guards.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Engram metrics.
const meterName = "github.com/MrWong99/engram"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Extraction pipeline ---

	// ExtractionRuns counts extraction runs. Use with attribute:
	//   attribute.String("outcome", "success"|"error")
	ExtractionRuns metric.Int64Counter

	// ExtractionDuration tracks full-run extraction latency, LLM calls
	// included.
	ExtractionDuration metric.Float64Histogram

	// FactsExtracted counts facts returned by fact retrieval.
	FactsExtracted metric.Int64Counter

	// MemoriesAdded counts committed ADD decisions.
	MemoriesAdded metric.Int64Counter

	// MemoriesUpdated counts committed UPDATE decisions.
	MemoriesUpdated metric.Int64Counter

	// MessagesExtracted counts messages consumed by extraction runs.
	MessagesExtracted metric.Int64Counter

	// --- Recall ---

	// RecallRequests counts recall calls. Use with attribute:
	//   attribute.String("outcome", "success"|"error")
	RecallRequests metric.Int64Counter

	// RecallDuration tracks recall latency (embed + search + format).
	RecallDuration metric.Float64Histogram

	// --- Queue ---

	// QueueJobs counts job lifecycle events. Use with attribute:
	//   attribute.String("event", "added"|"replaced"|"coalesced"|"promoted"|"completed"|"retried"|"failed")
	QueueJobs metric.Int64Counter

	// QueueDepth tracks the number of non-terminal extraction jobs.
	QueueDepth metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts LLM and embedding API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderDuration tracks provider call latency by provider and op.
	ProviderDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// single-call latencies: provider requests, recall, HTTP.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// extractionBuckets covers full extraction runs, which chain several LLM
// round trips and can take tens of seconds.
var extractionBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Extraction.
	if met.ExtractionRuns, err = m.Int64Counter("engram.extraction.runs",
		metric.WithDescription("Total extraction runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("engram.extraction.duration",
		metric.WithDescription("Latency of full extraction runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(extractionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FactsExtracted, err = m.Int64Counter("engram.extraction.facts",
		metric.WithDescription("Total facts returned by fact retrieval."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesAdded, err = m.Int64Counter("engram.extraction.memories_added",
		metric.WithDescription("Total memories created by ADD decisions."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesUpdated, err = m.Int64Counter("engram.extraction.memories_updated",
		metric.WithDescription("Total memories rewritten by UPDATE decisions."),
	); err != nil {
		return nil, err
	}
	if met.MessagesExtracted, err = m.Int64Counter("engram.extraction.messages",
		metric.WithDescription("Total messages consumed by extraction runs."),
	); err != nil {
		return nil, err
	}

	// Recall.
	if met.RecallRequests, err = m.Int64Counter("engram.recall.requests",
		metric.WithDescription("Total recall calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecallDuration, err = m.Float64Histogram("engram.recall.duration",
		metric.WithDescription("Latency of recall calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Queue.
	if met.QueueJobs, err = m.Int64Counter("engram.queue.jobs",
		metric.WithDescription("Total job lifecycle events by event kind."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("engram.queue.depth",
		metric.WithDescription("Number of non-terminal extraction jobs."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("engram.provider.requests",
		metric.WithDescription("Total provider API requests by provider, op, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("engram.provider.duration",
		metric.WithDescription("Latency of provider API calls by provider and op."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("engram.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordExtractionRun records one extraction run with its outcome and
// duration.
func (m *Metrics) RecordExtractionRun(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ExtractionRuns.Add(ctx, 1, attrs)
	m.ExtractionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordExtractionStats records the counters of one successful extraction
// run.
func (m *Metrics) RecordExtractionStats(ctx context.Context, facts, added, updated, messages int) {
	if m == nil {
		return
	}
	m.FactsExtracted.Add(ctx, int64(facts))
	m.MemoriesAdded.Add(ctx, int64(added))
	m.MemoriesUpdated.Add(ctx, int64(updated))
	m.MessagesExtracted.Add(ctx, int64(messages))
}

// RecordRecall records one recall call with its outcome and duration.
func (m *Metrics) RecordRecall(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.RecallRequests.Add(ctx, 1, attrs)
	m.RecallDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordQueueEvent records one job lifecycle event.
func (m *Metrics) RecordQueueEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.QueueJobs.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// AddQueueDepth moves the queue depth gauge by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}

// RecordProviderRequest records one provider API call: a counter increment
// with success/error status plus a latency sample.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", status),
	))
	m.ProviderDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
	))
}
