// Package mock provides an in-memory codec.Model for tests and local runs
// without a model runtime.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/Teo-Te/niv-task/internal/codec"
)

// HopLength is the number of samples per code time step
const HopLength = 320

// NQ is the number of codebooks the mock emits
const NQ = 2

// Model is a deterministic encoder. Codes depend only on the frame's samples.
type Model struct {
	// EncodeFunc overrides the default encoding when set
	EncodeFunc func(ctx context.Context, samples []float32) (*codec.Output, error)
	ReadyErr   error

	calls  int
	closed bool
	mu     sync.Mutex
}

// Encode returns NQ x 1 x ceil(len/HopLength) codes derived from the samples
func (m *Model) Encode(ctx context.Context, samples []float32) (*codec.Output, error) {
	m.mu.Lock()
	m.calls++
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil, errors.New("mock model closed")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.EncodeFunc != nil {
		return m.EncodeFunc(ctx, samples)
	}

	return Encode(samples), nil
}

// Encode computes the default mock output for one frame
func Encode(samples []float32) *codec.Output {
	steps := (len(samples) + HopLength - 1) / HopLength
	if steps == 0 {
		steps = 1
	}

	codes := make([]int64, NQ*steps)
	var peak float32
	for t := 0; t < steps; t++ {
		start := t * HopLength
		end := start + HopLength
		if end > len(samples) {
			end = len(samples)
		}

		var sum float32
		for _, s := range samples[start:end] {
			if s < 0 {
				s = -s
			}
			sum += s
			if s > peak {
				peak = s
			}
		}

		level := int64(0)
		if end > start {
			level = int64(sum / float32(end-start) * 1023)
		}
		for q := 0; q < NQ; q++ {
			codes[q*steps+t] = (level + int64(q)*17) % 1024
		}
	}

	return &codec.Output{
		Codes:     codes,
		Scale:     peak,
		NQ:        NQ,
		Channels:  1,
		TimeSteps: steps,
	}
}

// Ready returns ReadyErr
func (m *Model) Ready(ctx context.Context) error {
	return m.ReadyErr
}

// Close marks the model closed; later Encode calls fail
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many times Encode was invoked
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Opener returns a codec.Opener that always yields m
func (m *Model) Opener() codec.Opener {
	return func(ctx context.Context) (codec.Model, error) {
		return m, nil
	}
}

// Provisioner is an in-memory codec.Provisioner
type Provisioner struct {
	Available  bool
	StatusErr  error
	ConvertErr error

	converts int
	mu       sync.Mutex
}

// Status reports Available
func (p *Provisioner) Status(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Available, p.StatusErr
}

// Convert marks the artifact available unless ConvertErr is set
func (p *Provisioner) Convert(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.converts++
	if p.ConvertErr != nil {
		return p.ConvertErr
	}
	p.Available = true
	return nil
}

// Converts returns how many conversions were triggered
func (p *Provisioner) Converts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.converts
}
