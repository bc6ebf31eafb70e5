package audio

import (
	"fmt"
	"time"
)

// PCMBuffer holds normalized mono audio as 32-bit float samples.
// It is produced once by the Normalizer and treated as read-only afterwards.
type PCMBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Len returns the number of samples in the buffer
func (b *PCMBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

// Duration returns the playback duration of the buffer
func (b *PCMBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Frame is a fixed-length window over a PCMBuffer
type Frame struct {
	Index          int       // 0-based position in traversal order
	Samples        []float32 // always exactly the configured frame length
	OriginalLength int       // real (non-padding) samples at the head of Samples
	WasPadded      bool      // true iff OriginalLength < len(Samples)
}

// FrameCount returns ceil(totalSamples / frameLength)
func FrameCount(totalSamples, frameLength int) int {
	if totalSamples <= 0 || frameLength <= 0 {
		return 0
	}
	return (totalSamples + frameLength - 1) / frameLength
}

// FrameIterator yields the frames of a buffer one at a time.
// It is finite and cannot be restarted.
type FrameIterator struct {
	buf         *PCMBuffer
	frameLength int
	count       int
	next        int
}

// NewFrameIterator validates the buffer and frame length and returns an iterator over the frames
func NewFrameIterator(buf *PCMBuffer, frameLength int) (*FrameIterator, error) {
	if frameLength <= 0 {
		return nil, fmt.Errorf("frame length must be positive, got %d", frameLength)
	}

	if buf.Len() == 0 {
		return nil, ErrEmptyBuffer
	}

	return &FrameIterator{
		buf:         buf,
		frameLength: frameLength,
		count:       FrameCount(len(buf.Samples), frameLength),
	}, nil
}

// Next returns the next frame, or false once every frame has been produced
func (it *FrameIterator) Next() (Frame, bool) {
	if it.next >= it.count {
		return Frame{}, false
	}

	total := len(it.buf.Samples)
	start := it.next * it.frameLength
	end := start + it.frameLength
	if end > total {
		end = total
	}

	// make() zero-fills, so the padded tail needs no extra work
	samples := make([]float32, it.frameLength)
	originalLength := copy(samples, it.buf.Samples[start:end])

	frame := Frame{
		Index:          it.next,
		Samples:        samples,
		OriginalLength: originalLength,
		WasPadded:      originalLength < it.frameLength,
	}
	it.next++

	return frame, true
}

// Len returns the total number of frames the iterator produces
func (it *FrameIterator) Len() int {
	return it.count
}

// Remaining returns the number of frames not yet produced
func (it *FrameIterator) Remaining() int {
	return it.count - it.next
}

// SplitFrames partitions buf into contiguous, non-overlapping frames of frameLength samples.
// The final frame is zero-padded when the buffer length is not a multiple of frameLength.
// An empty buffer is rejected with ErrEmptyBuffer.
func SplitFrames(buf *PCMBuffer, frameLength int) ([]Frame, error) {
	it, err := NewFrameIterator(buf, frameLength)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, it.Len())
	for {
		frame, ok := it.Next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}

	return frames, nil
}
