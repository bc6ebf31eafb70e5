package payload

import (
	"context"
	"fmt"
)

// DecodeFunc reconstructs the full-length waveform for one chunk
type DecodeFunc func(ctx context.Context, record *CodeRecord) ([]float32, error)

// Reassemble decodes every chunk in order, trims each result to the chunk's
// original_length and concatenates them. The output has exactly TotalSamples samples.
func Reassemble(ctx context.Context, env *Envelope, decode DecodeFunc) ([]float32, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	out := make([]float32, 0, env.TotalSamples)
	for i := range env.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := &env.Chunks[i]
		decoded, err := decode(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk %d: %w", chunk.ChunkIndex, err)
		}

		if len(decoded) < chunk.OriginalLength {
			return nil, fmt.Errorf("chunk %d decoded to %d samples, need at least %d",
				chunk.ChunkIndex, len(decoded), chunk.OriginalLength)
		}

		// Padding must never reach the output
		out = append(out, decoded[:chunk.OriginalLength]...)
	}

	return out, nil
}
