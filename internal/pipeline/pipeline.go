package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Teo-Te/niv-task/internal/audio"
	"github.com/Teo-Te/niv-task/internal/encoder"
	"github.com/Teo-Te/niv-task/internal/metrics"
	"github.com/Teo-Te/niv-task/internal/observe"
	"github.com/Teo-Te/niv-task/internal/payload"
	"github.com/Teo-Te/niv-task/internal/transport"
)

// Stage names one step of the pipeline
type Stage string

const (
	StageModel     Stage = "model"
	StageNormalize Stage = "normalize"
	StageSplit     Stage = "split"
	StageEncode    Stage = "encode"
	StageAssemble  Stage = "assemble"
	StageTransmit  Stage = "transmit"
)

// Normalizer converts raw file bytes to mono PCM at the codec rate
type Normalizer interface {
	Normalize(ctx context.Context, data []byte) (*audio.PCMBuffer, error)
}

// FrameEncoder produces one code record per frame, in frame order
type FrameEncoder interface {
	EncodeFrames(ctx context.Context, frames []audio.Frame) ([]payload.CodeRecord, error)
}

// Sender transmits an envelope to the reconstruction endpoint
type Sender interface {
	Send(ctx context.Context, env *payload.Envelope) (*transport.Result, error)
}

// Config contains pipeline configuration
type Config struct {
	FrameLength    int
	EncodingMethod string

	// OnStage is called after every stage with its latency and error
	OnStage func(requestID string, stage Stage, elapsed time.Duration, err error)
}

// Deps are the collaborators a pipeline drives
type Deps struct {
	Normalizer Normalizer
	Encoder    FrameEncoder
	Sender     Sender

	// Models is checked before any work starts when set
	Models encoder.ModelSource

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Pipeline runs normalize, split, encode, assemble and transmit as one
// causally ordered task per request
type Pipeline struct {
	config     Config
	normalizer Normalizer
	encoder    FrameEncoder
	sender     Sender
	models     encoder.ModelSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Request is one submitted audio file
type Request struct {
	ID       string // generated when empty
	Filename string
	Data     []byte
}

// Result describes a pipeline run. On transport failure it is returned
// alongside the error with Envelope set, so the caller can Resend.
type Result struct {
	RequestID    string                  `json:"request_id"`
	Filename     string                  `json:"filename,omitempty"`
	Envelope     *payload.Envelope       `json:"-"`
	Response     *transport.Result       `json:"response,omitempty"`
	NumChunks    int                     `json:"num_chunks"`
	TotalSamples int                     `json:"total_samples"`
	SampleRate   int                     `json:"sample_rate"`
	Duration     time.Duration           `json:"duration"`
	Timings      map[Stage]time.Duration `json:"timings"`
}

// New creates a pipeline
func New(config Config, deps Deps) (*Pipeline, error) {
	if config.FrameLength <= 0 {
		return nil, fmt.Errorf("frame length must be positive, got %d", config.FrameLength)
	}

	if deps.Normalizer == nil {
		return nil, fmt.Errorf("normalizer cannot be nil")
	}

	if deps.Encoder == nil {
		return nil, fmt.Errorf("encoder cannot be nil")
	}

	if deps.Sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	if config.EncodingMethod == "" {
		config.EncodingMethod = payload.DefaultEncodingMethod
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		config:     config,
		normalizer: deps.Normalizer,
		encoder:    deps.Encoder,
		sender:     deps.Sender,
		models:     deps.Models,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With(slog.String("component", "pipeline")),
	}, nil
}

// FrameLength returns the configured frame length in samples
func (p *Pipeline) FrameLength() int {
	return p.config.FrameLength
}

// Run processes one request end to end. Every failure is a *Error; nothing
// is transmitted unless every frame encoded and the envelope validated.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	startTime := time.Now()
	p.metrics.ActiveRequests.Inc()
	defer p.metrics.ActiveRequests.Dec()

	ctx, span := observe.StartSpan(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("file.name", req.Filename),
		attribute.Int("file.size", len(req.Data)),
	))

	logger := observe.Logger(ctx, p.logger).With(
		slog.String("request_id", req.ID),
		slog.String("filename", req.Filename),
	)

	result := &Result{
		RequestID: req.ID,
		Filename:  req.Filename,
		Timings:   make(map[Stage]time.Duration),
	}

	err := p.run(ctx, req, result, logger)
	result.Duration = time.Since(startTime)

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	p.metrics.RecordRequest(outcome, result.Duration.Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	observe.EndSpan(span, err)

	if err != nil {
		logger.Error("Encode request failed",
			slog.String("kind", outcome),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", result.Duration),
		)
		if result.Envelope != nil {
			return result, err
		}
		return nil, err
	}

	logger.Info("Encode request completed",
		slog.Int("chunks", result.NumChunks),
		slog.Int("total_samples", result.TotalSamples),
		slog.Duration("elapsed", result.Duration),
	)

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, result *Result, logger *slog.Logger) error {
	if p.models != nil {
		if _, err := p.models.Model(); err != nil {
			p.stageDone(req.ID, StageModel, 0, err)
			return newError(StageModel, err)
		}
	}

	// Normalize
	var pcm *audio.PCMBuffer
	err := p.stage(ctx, req.ID, result, StageNormalize, func(ctx context.Context) error {
		var err error
		pcm, err = p.normalizer.Normalize(ctx, req.Data)
		return err
	})
	if err != nil {
		return err
	}

	p.metrics.RecordInput(len(req.Data), pcm.Duration().Seconds())
	result.TotalSamples = pcm.Len()
	result.SampleRate = pcm.SampleRate

	logger.Debug("Audio normalized",
		slog.Int("samples", pcm.Len()),
		slog.Int("sample_rate", pcm.SampleRate),
		slog.Duration("audio_duration", pcm.Duration()),
	)

	// Split
	var frames []audio.Frame
	err = p.stage(ctx, req.ID, result, StageSplit, func(ctx context.Context) error {
		var err error
		frames, err = audio.SplitFrames(pcm, p.config.FrameLength)
		return err
	})
	if err != nil {
		return err
	}

	// Encode
	var records []payload.CodeRecord
	err = p.stage(ctx, req.ID, result, StageEncode, func(ctx context.Context) error {
		var err error
		records, err = p.encoder.EncodeFrames(ctx, frames)
		return err
	})
	if err != nil {
		return err
	}

	// Assemble
	var env *payload.Envelope
	err = p.stage(ctx, req.ID, result, StageAssemble, func(ctx context.Context) error {
		var err error
		env, err = payload.Assemble(records, payload.Meta{
			EncodingMethod: p.config.EncodingMethod,
			TotalSamples:   pcm.Len(),
			ChunkSize:      p.config.FrameLength,
			SampleRate:     pcm.SampleRate,
			Channels:       pcm.Channels,
		})
		return err
	})
	if err != nil {
		return err
	}

	result.Envelope = env
	result.NumChunks = env.NumChunks
	p.metrics.RecordEnvelope(env.NumChunks, env.CodeCount(), env.Chunks[env.NumChunks-1].WasPadded)

	logger.Debug("Envelope assembled",
		slog.Int("chunks", env.NumChunks),
		slog.Int("codes", env.CodeCount()),
	)

	// Transmit
	var response *transport.Result
	err = p.stage(ctx, req.ID, result, StageTransmit, func(ctx context.Context) error {
		var err error
		response, err = p.send(ctx, env)
		return err
	})
	if err != nil {
		return err
	}

	result.Response = response
	return nil
}

// Resend transmits an envelope from an earlier run whose transport failed
func (p *Pipeline) Resend(ctx context.Context, env *payload.Envelope) (*transport.Result, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.resend")

	response, err := p.send(ctx, env)
	if err != nil {
		err = newError(StageTransmit, err)
	}

	observe.EndSpan(span, err)
	return response, err
}

// send wraps the sender with transport metrics
func (p *Pipeline) send(ctx context.Context, env *payload.Envelope) (*transport.Result, error) {
	startTime := time.Now()
	response, err := p.sender.Send(ctx, env)

	label := "success"
	if err != nil {
		label = transportLabel(err)
	}
	p.metrics.RecordTransport(label, time.Since(startTime).Seconds())

	return response, err
}

// stage runs fn inside a span, records its latency and classifies its error
func (p *Pipeline) stage(ctx context.Context, requestID string, result *Result, stage Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		p.stageDone(requestID, stage, 0, err)
		return newError(stage, err)
	}

	ctx, span := observe.StartSpan(ctx, "pipeline."+string(stage))
	startTime := time.Now()

	err := fn(ctx)

	elapsed := time.Since(startTime)
	result.Timings[stage] = elapsed
	p.metrics.RecordStage(string(stage), elapsed.Seconds())
	observe.EndSpan(span, err)
	p.stageDone(requestID, stage, elapsed, err)

	if err != nil {
		return newError(stage, err)
	}
	return nil
}

func (p *Pipeline) stageDone(requestID string, stage Stage, elapsed time.Duration, err error) {
	if p.config.OnStage != nil {
		p.config.OnStage(requestID, stage, elapsed, err)
	}
}
