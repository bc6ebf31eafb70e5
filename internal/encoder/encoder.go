package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Teo-Te/niv-task/internal/audio"
	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/payload"
)

// ErrFrameEncode indicates a single frame's model invocation failed
var ErrFrameEncode = errors.New("frame encode failed")

// ModelSource hands out the loaded model, or an error wrapping
// codec.ErrModelUnavailable. codec.Manager implements it.
type ModelSource interface {
	Model() (codec.Model, error)
}

// Config contains encoder configuration
type Config struct {
	// Workers bounds concurrent model invocations; 0 or 1 encodes sequentially
	Workers int

	// OnFrame is called after every model invocation with its latency
	OnFrame func(index int, latency time.Duration, err error)
}

// Encoder runs frames through the codec model and produces ordered code records
type Encoder struct {
	source ModelSource
	config Config
	logger *slog.Logger
}

// New creates an encoder
func New(source ModelSource, config Config, logger *slog.Logger) (*Encoder, error) {
	if source == nil {
		return nil, fmt.Errorf("model source cannot be nil")
	}

	if config.Workers < 0 {
		return nil, fmt.Errorf("workers cannot be negative, got %d", config.Workers)
	}

	if config.Workers == 0 {
		config.Workers = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Encoder{
		source: source,
		config: config,
		logger: logger,
	}, nil
}

// Workers returns the configured concurrency
func (e *Encoder) Workers() int {
	return e.config.Workers
}

// EncodeFrames invokes the model exactly once per frame and returns one record
// per frame with chunk_index equal to its position. Frames must be indexed
// 0..n-1 in order. Any failure discards every record and returns an error.
func (e *Encoder) EncodeFrames(ctx context.Context, frames []audio.Frame) ([]payload.CodeRecord, error) {
	model, err := e.source.Model()
	if err != nil {
		return nil, err
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}

	for i := range frames {
		if frames[i].Index != i {
			return nil, fmt.Errorf("frame at position %d has index %d", i, frames[i].Index)
		}
	}

	startTime := time.Now()
	records := make([]payload.CodeRecord, len(frames))

	if e.config.Workers <= 1 || len(frames) == 1 {
		for i := range frames {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if err := e.encodeInto(ctx, model, &frames[i], &records[i]); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.Workers)

		for i := range frames {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				// each goroutine owns slot i, so order matches the sequential path
				return e.encodeInto(gctx, model, &frames[i], &records[i])
			})
		}

		if err := g.Wait(); err != nil {
			// errgroup cancels siblings; report the caller's cancellation over theirs
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
	}

	e.logger.Debug("Frames encoded",
		slog.Int("frames", len(frames)),
		slog.Int("workers", e.config.Workers),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	return records, nil
}

// encodeInto runs one model invocation and fills dst
func (e *Encoder) encodeInto(ctx context.Context, model codec.Model, frame *audio.Frame, dst *payload.CodeRecord) error {
	startTime := time.Now()
	out, err := model.Encode(ctx, frame.Samples)
	latency := time.Since(startTime)

	if err == nil {
		err = checkOutput(out)
	}

	if e.config.OnFrame != nil {
		e.config.OnFrame(frame.Index, latency, err)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		e.logger.Warn("Frame encode failed",
			slog.Int("frame", frame.Index),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: frame %d: %v", ErrFrameEncode, frame.Index, err)
	}

	codes := make([]int64, len(out.Codes))
	copy(codes, out.Codes)

	*dst = payload.CodeRecord{
		ChunkIndex: frame.Index,
		Codes:      codes,
		Scale:      out.Scale,
		Structure: payload.Structure{
			NQ:        out.NQ,
			Channels:  out.Channels,
			TimeSteps: out.TimeSteps,
		},
		OriginalLength: frame.OriginalLength,
		WasPadded:      frame.WasPadded,
	}

	return nil
}

// checkOutput verifies the structure outputs describe the codes
func checkOutput(out *codec.Output) error {
	if out == nil {
		return fmt.Errorf("model returned no output")
	}

	if out.NQ <= 0 || out.Channels <= 0 || out.TimeSteps <= 0 {
		return fmt.Errorf("invalid structure %dx%dx%d", out.NQ, out.Channels, out.TimeSteps)
	}

	if len(out.Codes) != out.Size() {
		return fmt.Errorf("%d codes do not match structure %dx%dx%d",
			len(out.Codes), out.NQ, out.Channels, out.TimeSteps)
	}

	return nil
}
