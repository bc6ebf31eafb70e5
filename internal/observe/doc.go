// Package observe wires OpenTelemetry into the encoder. Pipeline stages open
// spans with [StartSpan]; [Logger] tags log records with the active trace so
// logs and traces can be joined. Model runtime calls are measured through
// [ModelMetrics], which [InitMetrics] exports via Prometheus.
package observe
