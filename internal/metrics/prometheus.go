package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the encoder service
type Metrics struct {
	// Pipeline metrics
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	// Input metrics
	InputBytes    prometheus.Histogram
	AudioDuration prometheus.Histogram

	// Frame encoding metrics
	FramesEncoded       prometheus.Counter
	FramesPadded        prometheus.Counter
	FrameEncodeFailures prometheus.Counter
	FrameEncodeDuration prometheus.Histogram

	// Envelope metrics
	EnvelopeChunks prometheus.Histogram
	EnvelopeCodes  prometheus.Histogram

	// Transport metrics
	TransportRequests *prometheus.CounterVec
	TransportDuration prometheus.Histogram

	// Model metrics
	ModelState prometheus.Gauge
	ModelLoads *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Pipeline metrics
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "niv_encode_requests_total",
			Help: "Total number of encode requests by outcome",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_encode_request_duration_seconds",
			Help:    "End-to-end duration of encode requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "niv_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4 minutes
		}, []string{"stage"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "niv_encode_requests_active",
			Help: "Current number of encode requests in flight",
		}),

		// Input metrics
		InputBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_input_size_bytes",
			Help:    "Size of uploaded audio files",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to ~32MB
		}),
		AudioDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_audio_duration_seconds",
			Help:    "Duration of normalized audio",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Frame encoding metrics
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "niv_frames_encoded_total",
			Help: "Total number of frames encoded",
		}),
		FramesPadded: factory.NewCounter(prometheus.CounterOpts{
			Name: "niv_frames_padded_total",
			Help: "Total number of zero-padded final frames",
		}),
		FrameEncodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "niv_frame_encode_failures_total",
			Help: "Total number of failed frame encode invocations",
		}),
		FrameEncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_frame_encode_duration_seconds",
			Help:    "Duration of a single frame model invocation",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),

		// Envelope metrics
		EnvelopeChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_envelope_chunks",
			Help:    "Number of chunks per assembled envelope",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		EnvelopeCodes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_envelope_codes",
			Help:    "Number of codes per assembled envelope",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),

		// Transport metrics
		TransportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "niv_transport_requests_total",
			Help: "Total number of reconstruction requests by result",
		}, []string{"result"}),
		TransportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "niv_transport_duration_seconds",
			Help:    "Duration of reconstruction requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Model metrics
		ModelState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "niv_model_state",
			Help: "Encoder model state (0 unloaded, 1 loading, 2 ready, 3 failed)",
		}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "niv_model_loads_total",
			Help: "Total number of model load attempts by result",
		}, []string{"result"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "niv_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "niv_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "niv_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRequest records a finished encode request
func (m *Metrics) RecordRequest(outcome string, durationSeconds float64) {
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(durationSeconds)
}

// RecordStage records how long one pipeline stage took
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordInput records the size of an input file and its normalized duration
func (m *Metrics) RecordInput(sizeBytes int, durationSeconds float64) {
	m.InputBytes.Observe(float64(sizeBytes))
	m.AudioDuration.Observe(durationSeconds)
}

// RecordFrameEncode records one frame model invocation
func (m *Metrics) RecordFrameEncode(durationSeconds float64, failed bool) {
	m.FrameEncodeDuration.Observe(durationSeconds)
	if failed {
		m.FrameEncodeFailures.Inc()
		return
	}
	m.FramesEncoded.Inc()
}

// RecordEnvelope records an assembled envelope
func (m *Metrics) RecordEnvelope(chunks, codes int, padded bool) {
	m.EnvelopeChunks.Observe(float64(chunks))
	m.EnvelopeCodes.Observe(float64(codes))
	if padded {
		m.FramesPadded.Inc()
	}
}

// RecordTransport records a reconstruction request
func (m *Metrics) RecordTransport(result string, durationSeconds float64) {
	m.TransportRequests.WithLabelValues(result).Inc()
	m.TransportDuration.Observe(durationSeconds)
}

// SetModelState sets the encoder model state gauge
func (m *Metrics) SetModelState(state int) {
	m.ModelState.Set(float64(state))
}

// RecordModelLoad records a model load attempt
func (m *Metrics) RecordModelLoad(result string) {
	m.ModelLoads.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
