// Package observe provides the OpenTelemetry metrics and tracing used across
// voxlink, the Prometheus bridge that exposes them on /metrics, and the HTTP
// middleware for the status server.
//
// [Metrics] implements the recorder interfaces of the session, the audio
// pipeline, the playback scheduler and the health monitor, so one instance is
// passed to all of them. Tests build it with [NewMetrics] over a
// [sdkmetric.ManualReader] to read back what was recorded.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every voxlink instrument.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds the metric instruments. The OTel instruments synchronise
// internally, so Metrics is safe for concurrent use.
type Metrics struct {
	// ── Session ──

	// Connects counts connect attempts by model and status (ok|fail).
	Connects metric.Int64Counter

	// ConnectDuration is the time from dial to session setup complete.
	ConnectDuration metric.Float64Histogram

	// Reconnects counts scheduled reconnects by attempt number.
	Reconnects metric.Int64Counter

	// Errors counts classified failures by kind.
	Errors metric.Int64Counter

	// ── Audio ──

	// BufferedAhead samples scheduled-but-unplayed audio in milliseconds.
	BufferedAhead metric.Float64Histogram

	// Chunks counts output chunks handed to the output context.
	Chunks metric.Int64Counter

	// ScheduleLead is how far in the future each chunk was scheduled.
	ScheduleLead metric.Float64Histogram

	// Interrupts counts playback interrupts by reason.
	Interrupts metric.Int64Counter

	// CaptureBatches counts input batches by whether they were a final flush.
	CaptureBatches metric.Int64Counter

	// CaptureSamples counts captured samples sent as batches.
	CaptureSamples metric.Int64Counter

	// ── Health & HTTP ──

	// HealthTransitions counts health state changes by target state.
	HealthTransitions metric.Int64Counter

	// HTTPRequestDuration is the status server request latency.
	HTTPRequestDuration metric.Float64Histogram
}

var (
	// connectBuckets are in seconds.
	connectBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15}

	// bufferBuckets are in milliseconds around the health thresholds.
	bufferBuckets = []float64{0, 30, 60, 90, 120, 160, 200, 250, 300, 350, 425, 500, 750}

	// leadBuckets are in seconds.
	leadBuckets = []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.5}
)

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Connects, err = m.Int64Counter("voxlink.session.connects",
		metric.WithDescription("Connect attempts by model and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voxlink.connect.duration",
		metric.WithDescription("Time from dial until the remote session is set up."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxlink.session.reconnects",
		metric.WithDescription("Scheduled reconnects by attempt number."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("voxlink.errors",
		metric.WithDescription("Classified failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.BufferedAhead, err = m.Float64Histogram("voxlink.playback.buffered_ahead",
		metric.WithDescription("Scheduled but unplayed output audio."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(bufferBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("voxlink.playback.chunks",
		metric.WithDescription("Output chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("voxlink.playback.schedule_lead",
		metric.WithDescription("Delay between scheduling a chunk and its start time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voxlink.playback.interrupts",
		metric.WithDescription("Playback interrupts by reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBatches, err = m.Int64Counter("voxlink.capture.batches",
		metric.WithDescription("Input batches sent, by final flush or not."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSamples, err = m.Int64Counter("voxlink.capture.samples",
		metric.WithDescription("Captured samples sent."),
	); err != nil {
		return nil, err
	}

	if met.HealthTransitions, err = m.Int64Counter("voxlink.health.transitions",
		metric.WithDescription("Playback health state changes by target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("Status server latency by method and path."),
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

// DefaultMetrics returns a process-wide [Metrics] on [otel.GetMeterProvider].
// Call it after [InitProvider] so the instruments bind to the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordConnect records one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, model string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "fail"
	}
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("status", status))
	m.Connects.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect(ctx context.Context, attempt int) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("attempt", strconv.Itoa(attempt))))
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChunkScheduled records one chunk started lead seconds ahead.
func (m *Metrics) RecordChunkScheduled(ctx context.Context, lead float64) {
	m.Chunks.Add(ctx, 1)
	m.ScheduleLead.Record(ctx, lead)
}

// RecordInterrupt records a playback interrupt.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBatchSent records one emitted input batch.
func (m *Metrics) RecordBatchSent(ctx context.Context, samples int, final bool) {
	m.CaptureBatches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
	m.CaptureSamples.Add(ctx, int64(samples))
}

// RecordBufferedAhead records one buffered-ahead sample in milliseconds.
func (m *Metrics) RecordBufferedAhead(ctx context.Context, ms float64) {
	m.BufferedAhead.Record(ctx, ms)
}

// RecordHealthTransition records a health state change.
func (m *Metrics) RecordHealthTransition(ctx context.Context, to string) {
	m.HealthTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
