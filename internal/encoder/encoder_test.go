package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Teo-Te/niv-task/internal/audio"
	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/codec/mock"
	"github.com/Teo-Te/niv-task/internal/payload"
)

// staticSource hands out a fixed model or error
type staticSource struct {
	model codec.Model
	err   error
}

func (s *staticSource) Model() (codec.Model, error) {
	return s.model, s.err
}

func makeFrames(t *testing.T, total, frameLength int) []audio.Frame {
	t.Helper()

	samples := make([]float32, total)
	for i := range samples {
		samples[i] = float32(i%1000) / 1000
	}

	frames, err := audio.SplitFrames(&audio.PCMBuffer{Samples: samples, SampleRate: 24000, Channels: 1}, frameLength)
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}
	return frames
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Error("Expected error for nil source")
	}

	if _, err := New(&staticSource{}, Config{Workers: -1}, nil); err == nil {
		t.Error("Expected error for negative workers")
	}

	enc, err := New(&staticSource{}, Config{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if enc.Workers() != 1 {
		t.Errorf("Expected 1 worker by default, got %d", enc.Workers())
	}
}

func TestEncodeFramesOrder(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			model := &mock.Model{}
			// Later frames finish first to shake out completion-order bugs
			model.EncodeFunc = func(ctx context.Context, samples []float32) (*codec.Output, error) {
				if samples[0] < 0.5 {
					time.Sleep(5 * time.Millisecond)
				}
				return mock.Encode(samples), nil
			}

			frames := makeFrames(t, 100000, 45000)
			// Tag each frame so records can be traced back
			for i := range frames {
				frames[i].Samples[0] = float32(i) / 4
			}

			enc, _ := New(&staticSource{model: model}, Config{Workers: workers}, nil)
			records, err := enc.EncodeFrames(context.Background(), frames)
			if err != nil {
				t.Fatalf("EncodeFrames failed: %v", err)
			}

			if len(records) != 3 {
				t.Fatalf("Expected 3 records, got %d", len(records))
			}

			if model.Calls() != 3 {
				t.Errorf("Expected exactly 3 model invocations, got %d", model.Calls())
			}

			for i, record := range records {
				if record.ChunkIndex != i {
					t.Errorf("Record %d: expected chunk_index %d, got %d", i, i, record.ChunkIndex)
				}
				if record.OriginalLength != frames[i].OriginalLength {
					t.Errorf("Record %d: expected original length %d, got %d", i, frames[i].OriginalLength, record.OriginalLength)
				}
				if record.WasPadded != frames[i].WasPadded {
					t.Errorf("Record %d: expected was_padded %v, got %v", i, frames[i].WasPadded, record.WasPadded)
				}

				want := mock.Encode(frames[i].Samples)
				if record.Structure.TimeSteps != want.TimeSteps || record.Codes[0] != want.Codes[0] {
					t.Errorf("Record %d does not hold frame %d's codes", i, i)
				}
			}

			if _, err := payload.Assemble(records, payload.Meta{
				TotalSamples: 100000, ChunkSize: 45000, SampleRate: 24000, Channels: 1,
			}); err != nil {
				t.Errorf("Encoder output failed assembly: %v", err)
			}
		})
	}
}

func TestEncodeFramesSequentialInvocationOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []float32
	)
	model := &mock.Model{
		EncodeFunc: func(ctx context.Context, samples []float32) (*codec.Output, error) {
			mu.Lock()
			order = append(order, samples[0])
			mu.Unlock()
			return mock.Encode(samples), nil
		},
	}

	frames := makeFrames(t, 50, 10)
	for i := range frames {
		frames[i].Samples[0] = float32(i)
	}

	enc, _ := New(&staticSource{model: model}, Config{}, nil)
	if _, err := enc.EncodeFrames(context.Background(), frames); err != nil {
		t.Fatalf("EncodeFrames failed: %v", err)
	}

	for i, v := range order {
		if v != float32(i) {
			t.Fatalf("Invocation %d received frame %v", i, v)
		}
	}
}

func TestEncodeFramesModelUnavailable(t *testing.T) {
	model := &mock.Model{}
	source := &staticSource{err: fmt.Errorf("%w: model is loading", codec.ErrModelUnavailable)}

	enc, _ := New(source, Config{}, nil)
	records, err := enc.EncodeFrames(context.Background(), makeFrames(t, 100, 10))

	if !errors.Is(err, codec.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
	if records != nil {
		t.Error("Expected no records")
	}
	if model.Calls() != 0 {
		t.Errorf("Expected no model invocations, got %d", model.Calls())
	}
}

func TestEncodeFramesFailureDiscardsResults(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			var calls int32
			model := &mock.Model{
				EncodeFunc: func(ctx context.Context, samples []float32) (*codec.Output, error) {
					if atomic.AddInt32(&calls, 1) == 2 {
						return nil, errors.New("runtime exploded")
					}
					return mock.Encode(samples), nil
				},
			}

			var failed []int
			var mu sync.Mutex
			config := Config{
				Workers: workers,
				OnFrame: func(index int, latency time.Duration, err error) {
					if err != nil {
						mu.Lock()
						failed = append(failed, index)
						mu.Unlock()
					}
				},
			}

			enc, _ := New(&staticSource{model: model}, config, nil)
			records, err := enc.EncodeFrames(context.Background(), makeFrames(t, 60, 10))

			if !errors.Is(err, ErrFrameEncode) {
				t.Errorf("Expected ErrFrameEncode, got %v", err)
			}
			if records != nil {
				t.Error("Expected partial results to be discarded")
			}

			mu.Lock()
			defer mu.Unlock()
			if len(failed) == 0 {
				t.Error("Expected OnFrame to observe the failure")
			}
		})
	}
}

func TestEncodeFramesRejectsBadOutput(t *testing.T) {
	tests := []struct {
		name string
		out  *codec.Output
	}{
		{"nil output", nil},
		{"zero structure", &codec.Output{Codes: []int64{}, NQ: 0, Channels: 1, TimeSteps: 1}},
		{"codes mismatch", &codec.Output{Codes: []int64{1, 2, 3}, NQ: 2, Channels: 1, TimeSteps: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &mock.Model{
				EncodeFunc: func(ctx context.Context, samples []float32) (*codec.Output, error) {
					return tt.out, nil
				},
			}

			enc, _ := New(&staticSource{model: model}, Config{}, nil)
			if _, err := enc.EncodeFrames(context.Background(), makeFrames(t, 10, 10)); !errors.Is(err, ErrFrameEncode) {
				t.Errorf("Expected ErrFrameEncode, got %v", err)
			}
		})
	}
}

func TestEncodeFramesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	model := &mock.Model{
		EncodeFunc: func(ctx context.Context, samples []float32) (*codec.Output, error) {
			cancel()
			return mock.Encode(samples), nil
		},
	}

	enc, _ := New(&staticSource{model: model}, Config{}, nil)
	_, err := enc.EncodeFrames(ctx, makeFrames(t, 100, 10))

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if model.Calls() != 1 {
		t.Errorf("Expected encoding to stop after cancellation, got %d calls", model.Calls())
	}
}

func TestEncodeFramesRejectsMisorderedFrames(t *testing.T) {
	frames := makeFrames(t, 30, 10)
	frames[0], frames[1] = frames[1], frames[0]

	enc, _ := New(&staticSource{model: &mock.Model{}}, Config{}, nil)
	if _, err := enc.EncodeFrames(context.Background(), frames); err == nil {
		t.Error("Expected error for misordered frames")
	}

	if _, err := enc.EncodeFrames(context.Background(), nil); err == nil {
		t.Error("Expected error for empty frame list")
	}
}
