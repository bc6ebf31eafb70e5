package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Teo-Te/niv-task/internal/audio"
	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/codec/kserve"
	"github.com/Teo-Te/niv-task/internal/codec/mock"
	"github.com/Teo-Te/niv-task/internal/codec/provision"
	"github.com/Teo-Te/niv-task/internal/config"
	"github.com/Teo-Te/niv-task/internal/encoder"
	"github.com/Teo-Te/niv-task/internal/jobs"
	"github.com/Teo-Te/niv-task/internal/metrics"
	"github.com/Teo-Te/niv-task/internal/observe"
	"github.com/Teo-Te/niv-task/internal/pipeline"
	"github.com/Teo-Te/niv-task/internal/server"
	"github.com/Teo-Te/niv-task/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "niv-encoder"
	serviceVersion    = "1.0.0"

	modelRetryInterval = 30 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	inputPath := flag.String("input", "", "Encode this audio file once, print the result and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_size", cfg.Audio.ChunkSize),
		slog.Duration("chunk_duration", cfg.Audio.GetChunkDuration()),
		slog.String("model_runtime", cfg.Model.Runtime),
		slog.String("model_name", cfg.Model.Name),
		slog.Int("encoder_workers", cfg.Encoder.Workers),
		slog.String("reconstruction_endpoint", cfg.Reconstruction.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracing, err = observe.InitTracing(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: serviceVersion,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Tracing initialized", slog.Float64("sample_ratio", cfg.Tracing.SampleRatio))
	}

	// Initialize Prometheus metrics; OpenTelemetry instruments share the registry
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	shutdownMetrics, err := observe.InitMetrics(ctx, observe.MetricsConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: serviceVersion,
		Registerer:     prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	modelMetrics, err := observe.NewModelMetrics(nil)
	if err != nil {
		logger.Error("Failed to create model metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Prometheus metrics initialized")

	// Initialize and load the encoder model
	models, err := newModelManager(cfg, appMetrics, modelMetrics, logger)
	if err != nil {
		logger.Error("Failed to create model manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !loadModel(ctx, models, appMetrics) && *inputPath == "" {
		// Requests are refused with model_unavailable until a retry succeeds
		go retryModelLoad(ctx, models, appMetrics, logger, modelRetryInterval)
	}

	// Jobs are tracked only when serving; the registry follows pipeline stages
	var registry *jobs.Registry
	var onStage func(string, pipeline.Stage, time.Duration, error)
	if *inputPath == "" {
		registry = jobs.NewRegistry(jobs.Config{
			Retention: cfg.Server.GetJobRetentionDuration(),
			MaxJobs:   cfg.Server.MaxJobs,
		}, logger)
		onStage = registry.RecordStage
	}

	p, sender, err := newPipeline(cfg, models, appMetrics, logger, onStage)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *inputPath != "" {
		code := encodeFile(ctx, p, *inputPath, logger)
		sender.Close()
		models.Close()
		shutdownTracing(context.Background())
		shutdownMetrics(context.Background())
		os.Exit(code)
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.Server.Port,
		Address:        cfg.Server.Address,
		ReadTimeout:    cfg.Server.GetReadTimeoutDuration(),
		WriteTimeout:   cfg.Server.GetWriteTimeoutDuration(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, server.Deps{
		Pipeline:  p,
		Jobs:      registry,
		Model:     models,
		Transport: sender,
		Config:    cfg,
		Metrics:   appMetrics,
		Gatherer:  prometheus.DefaultGatherer,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to create HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")
	cancel()

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	registry.Stop()

	stats := sender.GetStats()
	logger.Info("Final reconstruction statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful_requests", stats.SuccessRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	if err := sender.Close(); err != nil {
		logger.Warn("Error closing reconstruction client", slog.String("error", err.Error()))
	}

	if err := models.Close(); err != nil {
		logger.Warn("Error closing encoder model", slog.String("error", err.Error()))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Error shutting down tracing", slog.String("error", err.Error()))
	}

	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("Error shutting down metrics", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// newModelManager builds the model handle for the configured runtime
func newModelManager(cfg *config.Config, m *metrics.Metrics, mm *observe.ModelMetrics, logger *slog.Logger) (*codec.Manager, error) {
	var open codec.Opener
	switch cfg.Model.Runtime {
	case "mock":
		open = (&mock.Model{}).Opener()
	default:
		open = kserve.Opener(kserve.Config{
			BaseURL:   cfg.Model.RuntimeURL,
			ModelName: cfg.Model.Name,
			APIKey:    cfg.Model.APIKey,
			Timeout:   cfg.Model.GetRequestTimeoutDuration(),
			Metrics:   mm,
		})
	}

	var provisioner codec.Provisioner
	if cfg.Model.ProvisionURL != "" {
		client, err := provision.NewClient(provision.Config{
			BaseURL: cfg.Model.ProvisionURL,
			APIKey:  cfg.Model.APIKey,
		})
		if err != nil {
			return nil, err
		}
		provisioner = client
	}

	return codec.NewManager(codec.ManagerConfig{
		Name:           cfg.Model.Name,
		LoadTimeout:    cfg.Model.GetLoadTimeoutDuration(),
		ConvertTimeout: cfg.Model.GetConvertTimeoutDuration(),
		OnStateChange: func(state codec.State) {
			m.SetModelState(int(state))
		},
	}, open, provisioner, logger)
}

// loadModel attempts one load and records the outcome
func loadModel(ctx context.Context, models *codec.Manager, m *metrics.Metrics) bool {
	if err := models.Load(ctx); err != nil {
		m.RecordModelLoad("failure")
		return false
	}
	m.RecordModelLoad("success")
	return true
}

// retryModelLoad reloads a failed model on every tick until it is ready
func retryModelLoad(ctx context.Context, models *codec.Manager, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Model load retry routine started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if models.IsReady() || loadModel(ctx, models, m) {
				logger.Info("Model load retry routine finished")
				return
			}
		}
	}
}

// newPipeline wires normalizer, encoder and reconstruction client into a pipeline
func newPipeline(cfg *config.Config, models *codec.Manager, m *metrics.Metrics, logger *slog.Logger,
	onStage func(string, pipeline.Stage, time.Duration, error)) (*pipeline.Pipeline, *transport.Client, error) {

	normalizer, err := audio.NewNormalizer(audio.NormalizerConfig{
		SampleRate:    cfg.Audio.SampleRate,
		MaxInputBytes: cfg.Audio.MaxInputBytes,
		FFmpegPath:    cfg.Audio.FFmpegPath,
		MaxDuration:   cfg.Audio.GetMaxDuration(),
	})
	if err != nil {
		return nil, nil, err
	}

	enc, err := encoder.New(models, encoder.Config{
		Workers: cfg.Encoder.Workers,
		OnFrame: func(index int, latency time.Duration, err error) {
			m.RecordFrameEncode(latency.Seconds(), err != nil)
		},
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	sender, err := transport.NewClient(transport.Config{
		Endpoint:      cfg.Reconstruction.Endpoint,
		APIKey:        cfg.Reconstruction.APIKey,
		Timeout:       cfg.Reconstruction.GetTimeoutDuration(),
		MaxConcurrent: cfg.Reconstruction.MaxConcurrent,
	})
	if err != nil {
		return nil, nil, err
	}

	p, err := pipeline.New(pipeline.Config{
		FrameLength:    cfg.Audio.ChunkSize,
		EncodingMethod: cfg.Model.EncodingMethod,
		OnStage:        onStage,
	}, pipeline.Deps{
		Normalizer: normalizer,
		Encoder:    enc,
		Sender:     sender,
		Models:     models,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return p, sender, nil
}

// encodeFile runs one file through the pipeline and prints the result as JSON
func encodeFile(ctx context.Context, p *pipeline.Pipeline, path string, logger *slog.Logger) int {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read input file", slog.String("path", path), slog.String("error", err.Error()))
		return 1
	}

	result, err := p.Run(ctx, pipeline.Request{Filename: filepath.Base(path), Data: data})
	if err != nil {
		var perr *pipeline.Error
		if errors.As(err, &perr) && perr.Retryable() && result != nil {
			logger.Warn("Envelope built but not delivered; rerun to retry", slog.Int("chunks", result.NumChunks))
		}
		return 1
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(result); err != nil {
		logger.Error("Failed to write result", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
} 