// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Backend names used as the "backend" attribute.
const (
	BackendGeneration = "generation"
	BackendSynthesis  = "synthesis"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// GenerationDuration tracks the time from sending a request to the
	// generation end marker.
	GenerationDuration metric.Float64Histogram

	// SynthesisDuration tracks the time from the first fragment sent to the
	// synthesis end marker.
	SynthesisDuration metric.Float64Histogram

	// TurnDuration tracks a whole turn, utterance to last audio chunk.
	TurnDuration metric.Float64Histogram

	// FirstAudioLatency tracks utterance receipt to the first audio chunk
	// relayed to the client.
	FirstAudioLatency metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", "ok"|"apology"|"audio_error"|"farewell"|"aborted")
	Turns metric.Int64Counter

	// BackendErrors counts backend failures. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// AudioChunks counts audio chunks relayed to clients.
	AudioChunks metric.Int64Counter

	// AudioBytes counts audio bytes relayed to clients.
	AudioBytes metric.Int64Counter

	// InvalidMessages counts malformed inbound client units.
	InvalidMessages metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp. Instrument errors are joined so
// all bad definitions show up at once.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var errs []error
	must := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		must(err)
		return h
	}
	counter := func(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
		c, err := m.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
		must(err)
		return c
	}

	met := &Metrics{
		GenerationDuration: seconds("voxrelay.generation.duration",
			"Latency of a generation request until its end marker.", latencyBuckets...),
		SynthesisDuration: seconds("voxrelay.synthesis.duration",
			"Latency of a synthesis utterance until its end marker.", latencyBuckets...),
		TurnDuration: seconds("voxrelay.turn.duration",
			"Duration of a conversational turn.", latencyBuckets...),
		FirstAudioLatency: seconds("voxrelay.first_audio.latency",
			"Time from utterance receipt to the first relayed audio chunk.", latencyBuckets...),
		HTTPRequestDuration: seconds("voxrelay.http.request.duration",
			"HTTP request latency by method and path."),

		Turns:         counter("voxrelay.turns", "Total turns by outcome."),
		BackendErrors: counter("voxrelay.backend.errors", "Total backend errors by backend and kind."),
		AudioChunks:   counter("voxrelay.audio.chunks", "Total audio chunks relayed to clients."),
		AudioBytes: counter("voxrelay.audio.bytes", "Total audio bytes relayed to clients.",
			metric.WithUnit("By")),
		InvalidMessages:    counter("voxrelay.client.invalid_messages", "Total malformed inbound client messages."),
		BreakerTransitions: counter("voxrelay.breaker.transitions", "Total circuit breaker transitions by backend and new state."),
	}

	var err error
	met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live client sessions."))
	must(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(errs...))
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

// RecordTurn records one finished turn with its outcome and duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBackendError records one backend failure classified by kind.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordAudioChunk records one relayed audio chunk of n bytes.
func (m *Metrics) RecordAudioChunk(ctx context.Context, n int) {
	m.AudioChunks.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
}

// RecordBreakerTransition records a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}
