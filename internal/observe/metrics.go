package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for encoder metrics.
const meterName = "github.com/Teo-Te/niv-task"

// ModelMetrics holds the OpenTelemetry instruments for model runtime calls.
// All fields are safe for concurrent use.
type ModelMetrics struct {
	// InferDuration tracks one inference round trip. Attributes: model, status.
	InferDuration metric.Float64Histogram

	// InferRequests counts inference calls. Attributes: model, status.
	InferRequests metric.Int64Counter

	// InferSamples counts audio samples submitted for encoding. Attribute: model.
	InferSamples metric.Int64Counter
}

// NewModelMetrics creates the model instruments from mp. A nil mp means the
// global provider.
func NewModelMetrics(mp metric.MeterProvider) (*ModelMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m ModelMetrics
	var err error

	m.InferDuration, err = meter.Float64Histogram("niv.model.infer.duration",
		metric.WithDescription("Latency of one encoder inference call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.InferRequests, err = meter.Int64Counter("niv.model.infer.requests",
		metric.WithDescription("Encoder inference calls by outcome."),
	)
	if err != nil {
		return nil, err
	}

	m.InferSamples, err = meter.Int64Counter("niv.model.infer.samples",
		metric.WithDescription("Audio samples submitted to the encoder."),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordInfer records one inference call. Safe on a nil receiver.
func (m *ModelMetrics) RecordInfer(ctx context.Context, model string, samples int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.InferDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.InferRequests.Add(ctx, 1, attrs)
	m.InferSamples.Add(ctx, int64(samples), metric.WithAttributes(attribute.String("model", model)))
}
