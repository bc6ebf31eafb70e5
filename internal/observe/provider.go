package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry tracer provider.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root traces recorded. Zero disables
	// sampling entirely; 1 records everything.
	SampleRatio float64

	// Exporter is optional. When nil, spans are sampled and carried in
	// context (so trace IDs reach the logs) but never exported.
	Exporter sdktrace.SpanExporter
}

// InitTracing registers a global tracer provider and the W3C trace context
// propagator. The returned function flushes and shuts the provider down.
func InitTracing(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// MetricsConfig configures the OpenTelemetry meter provider.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// Registerer receives the Prometheus exporter so OpenTelemetry
	// instruments are scraped from the same /metrics endpoint. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// InitMetrics registers a global meter provider backed by a Prometheus
// exporter. The returned function shuts the provider down.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (func(context.Context) error, error) {
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	exporter, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

func newResource(serviceName, serviceVersion string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "niv-encoder"
	}

	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
}
