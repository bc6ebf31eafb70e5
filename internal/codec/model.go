package codec

import (
	"context"
	"errors"
)

// ErrModelUnavailable indicates the encoder model is not loaded, is still
// loading, or failed to load or convert.
var ErrModelUnavailable = errors.New("encoder model unavailable")

// Output holds the four named outputs of one encoder invocation
type Output struct {
	Codes     []int64 // flattened [n_q][channels][time_steps]
	Scale     float32
	NQ        int
	Channels  int
	TimeSteps int
}

// Size returns the code count implied by the structure outputs
func (o *Output) Size() int {
	return o.NQ * o.Channels * o.TimeSteps
}

// Model is a loaded encoder. Encode receives one frame shaped [1, 1, len(samples)]
// and must not mutate shared state, so concurrent calls are safe.
type Model interface {
	Encode(ctx context.Context, samples []float32) (*Output, error)
	Ready(ctx context.Context) error
	Close() error
}

// Opener loads a model once the artifact is known to exist
type Opener func(ctx context.Context) (Model, error)

// Provisioner reports whether the model artifact exists and triggers conversion when it does not
type Provisioner interface {
	Status(ctx context.Context) (bool, error)
	Convert(ctx context.Context) error
}
