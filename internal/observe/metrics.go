// Package observe provides the service's observability primitives:
// OpenTelemetry metric instruments and the HTTP middleware that records
// request latency. Metrics are recorded through the OTel Metrics API and
// exported via a Prometheus bridge ([InitProvider]) so they can be scraped
// from the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxid metrics.
const meterName = "github.com/voxmeet/voxid"

// Metrics holds all OTel metric instruments for the service. All recording
// methods are nil-receiver safe so call sites do not need to guard against
// an unconfigured instance.
type Metrics struct {
	// ExtractionDuration tracks feature-extraction latency per utterance.
	ExtractionDuration metric.Float64Histogram

	// IdentificationDuration tracks full extract+match latency per utterance.
	IdentificationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// Utterances counts processed utterances. Use with attribute
	// "outcome" (matched / unidentified / invalid).
	Utterances metric.Int64Counter

	// UtterancesDropped counts utterances discarded before processing
	// (full queue or session destroy).
	UtterancesDropped metric.Int64Counter

	// SessionsRejected counts session creations refused at capacity.
	SessionsRejected metric.Int64Counter

	// ActiveSessions tracks the number of live identification sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-utterance DSP latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ExtractionDuration, err = m.Float64Histogram("voxid.extraction.duration",
		metric.WithDescription("Latency of feature extraction per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IdentificationDuration, err = m.Float64Histogram("voxid.identification.duration",
		metric.WithDescription("End-to-end identification latency per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxid.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("voxid.utterances",
		metric.WithDescription("Total processed utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDropped, err = m.Int64Counter("voxid.utterances.dropped",
		metric.WithDescription("Utterances discarded before processing."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("voxid.sessions.rejected",
		metric.WithDescription("Session creations refused at the concurrency limit."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxid.active_sessions",
		metric.WithDescription("Number of live identification sessions."),
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

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails
// (should not happen with the global provider).
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

// RecordIdentification records one processed utterance with its outcome
// and end-to-end latency.
func (m *Metrics) RecordIdentification(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IdentificationDuration.Record(ctx, elapsed.Seconds())
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordExtraction records feature-extraction latency.
func (m *Metrics) RecordExtraction(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Record(ctx, elapsed.Seconds())
}

// RecordDropped records n utterances discarded before processing.
func (m *Metrics) RecordDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.UtterancesDropped.Add(ctx, n)
}

// RecordSessionRejected records a capacity rejection.
func (m *Metrics) RecordSessionRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsRejected.Add(ctx, 1)
}

// AddActiveSessions moves the live-session gauge by delta (+1 on create,
// -1 on destroy).
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
