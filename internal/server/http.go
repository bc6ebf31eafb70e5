package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/config"
	"github.com/Teo-Te/niv-task/internal/jobs"
	"github.com/Teo-Te/niv-task/internal/metrics"
	"github.com/Teo-Te/niv-task/internal/payload"
	"github.com/Teo-Te/niv-task/internal/pipeline"
	"github.com/Teo-Te/niv-task/internal/transport"
)

const (
	serviceName    = "niv-encoder"
	serviceVersion = "1.0.0"

	// uploadField is the multipart field carrying the audio file
	uploadField = "audio"

	// statusClientClosedRequest is reported when the caller went away mid-run
	statusClientClosedRequest = 499

	multipartMemory = 32 << 20
)

// Pipeline runs encode requests and resends retained envelopes
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Resend(ctx context.Context, env *payload.Envelope) (*transport.Result, error)
}

// ModelStatus reports the encoder model's readiness
type ModelStatus interface {
	IsReady() bool
	GetStats() codec.ManagerStats
}

// TransportStats reports reconstruction client statistics
type TransportStats interface {
	GetStats() transport.ClientStats
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port           int
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
}

// Deps are the components the HTTP API exposes
type Deps struct {
	Pipeline  Pipeline
	Jobs      *jobs.Registry
	Model     ModelStatus
	Transport TransportStats // optional
	Config    *config.Config // optional, served sanitized on /config
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Logger    *slog.Logger
}

// HTTPServer provides the encode API plus monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	handler http.Handler
	logger  *slog.Logger
	config  HTTPServerConfig
	deps    Deps
	metrics *metrics.Metrics

	// Background jobs run under baseCtx and are canceled on Stop
	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, deps Deps) (*HTTPServer, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if deps.Jobs == nil {
		return nil, fmt.Errorf("job registry cannot be nil")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("model status cannot be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	h := &HTTPServer{
		logger:     deps.Logger.With(slog.String("component", "http")),
		config:     cfg,
		deps:       deps,
		metrics:    deps.Metrics,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// Server spans continue a caller's propagated trace
	h.handler = otelhttp.NewHandler(mux, serviceName)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h, nil
}

// Handler returns the routed handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/encode", h.withMetrics("/encode", h.handleEncode))

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/ready", h.withMetrics("/ready", h.handleReady))

	mux.HandleFunc("/jobs", h.withMetrics("/jobs", h.handleJobs))
	mux.HandleFunc("/jobs/", h.withMetrics("/jobs/{id}", h.handleJobDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server, then cancels background jobs
// that have not finished when ctx expires
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Canceling unfinished background jobs")
		h.cancelBase()
		<-done
	}
	h.cancelBase()

	return err
}

// handleEncode implements POST /encode. With ?async=true the request is
// accepted immediately and its progress is available under /jobs/{id}.
func (h *HTTPServer) handleEncode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	data, filename, err := readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit), "")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	id := uuid.NewString()
	if _, err := h.deps.Jobs.Create(id, filename); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error(), "")
		return
	}

	req := pipeline.Request{ID: id, Filename: filename, Data: data}
	ctx := r.Context()

	if r.URL.Query().Get("async") == "true" {
		h.background.Add(1)
		go func() {
			defer h.background.Done()
			h.runJob(h.detach(ctx), req)
		}()

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"request_id": id,
			"status":     jobs.StatePending,
			"status_url": "/jobs/" + id,
		})
		return
	}

	result, err := h.runJob(ctx, req)
	if err != nil {
		writeRunError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// runJob runs the pipeline and records the outcome in the job registry.
// A panic inside the pipeline fails the job instead of the process.
func (h *HTTPServer) runJob(ctx context.Context, req pipeline.Request) (result *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Encode job panicked",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("encode job panicked: %v", r)
			h.deps.Jobs.Fail(req.ID, nil, err)
		}
	}()

	result, err = h.deps.Pipeline.Run(ctx, req)
	if err != nil {
		h.deps.Jobs.Fail(req.ID, result, err)
		return result, err
	}

	h.deps.Jobs.Complete(req.ID, result)
	return result, nil
}

// detach keeps the trace of ctx but ties cancellation to the server lifetime
func (h *HTTPServer) detach(ctx context.Context) context.Context {
	return trace.ContextWithSpanContext(h.baseCtx, trace.SpanContextFromContext(ctx))
}

// readUpload returns the audio file from a multipart form or, for any
// other content type, the raw request body
func readUpload(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, "", fmt.Errorf("invalid multipart form: %w", err)
		}

		file, header, err := r.FormFile(uploadField)
		if err != nil {
			return nil, "", fmt.Errorf("missing %q file field: %w", uploadField, err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read upload: %w", err)
		}
		return data, header.Filename, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read request body: %w", err)
	}
	return data, r.URL.Query().Get("filename"), nil
}

// handleJobs implements the /jobs endpoint
func (h *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.deps.Jobs.List()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs":  len(infos),
		"active_jobs": h.deps.Jobs.ActiveCount(),
		"timestamp":   time.Now().UTC(),
		"jobs":        infos,
	})
}

// handleJobDetail implements GET /jobs/{id} and POST /jobs/{id}/resend
func (h *HTTPServer) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		info, exists := h.deps.Jobs.Get(id)
		if !exists {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case action == "resend" && r.Method == http.MethodPost:
		h.handleResend(w, r, id)

	case action == "" || action == "resend":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

	default:
		http.NotFound(w, r)
	}
}

// handleResend transmits the envelope retained from a failed transmit
// without encoding again
func (h *HTTPServer) handleResend(w http.ResponseWriter, r *http.Request, id string) {
	if _, exists := h.deps.Jobs.Get(id); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	env, ok := h.deps.Jobs.ClaimEnvelope(id)
	if !ok {
		writeJSONError(w, http.StatusConflict, "job has no envelope awaiting transmission or a resend is in progress", id)
		return
	}

	response, err := h.deps.Pipeline.Resend(r.Context(), env)
	result := &pipeline.Result{
		RequestID:    id,
		Envelope:     env,
		Response:     response,
		NumChunks:    env.NumChunks,
		TotalSamples: env.TotalSamples,
		SampleRate:   env.SampleRate,
	}

	if err != nil {
		h.deps.Jobs.Fail(id, result, err)
		writeRunError(w, id, err)
		return
	}

	h.deps.Jobs.Complete(id, result)
	writeJSON(w, http.StatusOK, result)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelStats := h.deps.Model.GetStats()

	components := map[string]interface{}{
		"model": map[string]interface{}{
			"name":  modelStats.Name,
			"state": modelStats.State,
			"ready": h.deps.Model.IsReady(),
		},
		"jobs": map[string]interface{}{
			"status": "running",
			"active": h.deps.Jobs.ActiveCount(),
		},
	}

	if h.deps.Transport != nil {
		transportStats := h.deps.Transport.GetStats()
		components["reconstruction"] = map[string]interface{}{
			"total_requests":  transportStats.TotalRequests,
			"success_rate":    transportStats.SuccessRate,
			"active_requests": transportStats.ActiveRequests,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleReady implements the /ready endpoint; it fails until the model is loaded
func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.deps.Model.GetStats()
	status := http.StatusOK
	if !h.deps.Model.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"ready": status == http.StatusOK,
		"model": stats,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config
	if cfg == nil {
		http.Error(w, "Configuration not available", http.StatusNotFound)
		return
	}

	// API keys are omitted
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":             cfg.Server.Port,
			"address":          cfg.Server.Address,
			"max_upload_bytes": cfg.Server.MaxUploadBytes,
			"job_retention":    cfg.Server.JobRetention,
			"max_jobs":         cfg.Server.MaxJobs,
		},
		"audio": map[string]interface{}{
			"sample_rate":     cfg.Audio.SampleRate,
			"channels":        cfg.Audio.Channels,
			"chunk_size":      cfg.Audio.ChunkSize,
			"chunk_duration":  cfg.Audio.GetChunkDuration().String(),
			"max_input_bytes": cfg.Audio.MaxInputBytes,
			"max_duration":    cfg.Audio.GetMaxDuration().String(),
			"ffmpeg_enabled":  cfg.Audio.FFmpegPath != "",
		},
		"model": map[string]interface{}{
			"runtime":         cfg.Model.Runtime,
			"name":            cfg.Model.Name,
			"runtime_url":     cfg.Model.RuntimeURL,
			"provision_url":   cfg.Model.ProvisionURL,
			"request_timeout": cfg.Model.RequestTimeout,
			"encoding_method": cfg.Model.EncodingMethod,
		},
		"encoder": map[string]interface{}{
			"workers": cfg.Encoder.Workers,
		},
		"reconstruction": map[string]interface{}{
			"endpoint":       cfg.Reconstruction.Endpoint,
			"timeout":        cfg.Reconstruction.Timeout,
			"max_concurrent": cfg.Reconstruction.MaxConcurrent,
		},
		"tracing": map[string]interface{}{
			"enabled":      cfg.Tracing.Enabled,
			"sample_ratio": cfg.Tracing.SampleRatio,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"model":     h.deps.Model.GetStats(),
		"jobs": map[string]interface{}{
			"active_count": h.deps.Jobs.ActiveCount(),
			"total_count":  h.deps.Jobs.Len(),
		},
	}

	if h.deps.Transport != nil {
		stats["reconstruction"] = h.deps.Transport.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Neural Codec Encoder Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                  "API documentation",
			"POST /encode":           "Encode an audio file and send it for reconstruction (?async=true to run in background)",
			"GET /health":            "Service health check",
			"GET /ready":             "Model readiness",
			"GET /jobs":              "List tracked encode jobs",
			"GET /jobs/{id}":         "Get job progress and outcome",
			"POST /jobs/{id}/resend": "Retransmit the envelope of a job whose transmission failed",
			"GET /config":            "Get service configuration",
			"GET /stats":             "Get service statistics",
			"GET /metrics":           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// statusForKind maps a pipeline failure kind to an HTTP status
func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInput:
		return http.StatusBadRequest
	case pipeline.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindTransport:
		return http.StatusBadGateway
	case pipeline.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeRunError(w http.ResponseWriter, requestID string, err error) {
	kind := pipeline.KindOf(err)

	var perr *pipeline.Error
	retryable := errors.As(err, &perr) && perr.Retryable()

	writeJSON(w, statusForKind(kind), map[string]interface{}{
		"error":      err.Error(),
		"kind":       kind,
		"request_id": requestID,
		"retryable":  retryable,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message, requestID string) {
	body := map[string]interface{}{"error": message}
	if requestID != "" {
		body["request_id"] = requestID
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
