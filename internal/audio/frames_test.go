package audio

import (
	"errors"
	"testing"
)

func makeBuffer(n int) *PCMBuffer {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i%100+1) / 100
	}
	return &PCMBuffer{Samples: samples, SampleRate: 24000, Channels: 1}
}

func TestSplitFramesScenarios(t *testing.T) {
	tests := []struct {
		name            string
		total           int
		frameLength     int
		expectedLengths []int
		expectedPadded  []bool
	}{
		{
			name:            "three frames with padded tail",
			total:           100000,
			frameLength:     45000,
			expectedLengths: []int{45000, 45000, 10000},
			expectedPadded:  []bool{false, false, true},
		},
		{
			name:            "exact single frame",
			total:           45000,
			frameLength:     45000,
			expectedLengths: []int{45000},
			expectedPadded:  []bool{false},
		},
		{
			name:            "single sample",
			total:           1,
			frameLength:     45000,
			expectedLengths: []int{1},
			expectedPadded:  []bool{true},
		},
		{
			name:            "exact multiple",
			total:           90000,
			frameLength:     45000,
			expectedLengths: []int{45000, 45000},
			expectedPadded:  []bool{false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := SplitFrames(makeBuffer(tt.total), tt.frameLength)
			if err != nil {
				t.Fatalf("SplitFrames failed: %v", err)
			}

			if len(frames) != len(tt.expectedLengths) {
				t.Fatalf("Expected %d frames, got %d", len(tt.expectedLengths), len(frames))
			}

			for i, frame := range frames {
				if frame.Index != i {
					t.Errorf("Frame %d: expected index %d, got %d", i, i, frame.Index)
				}
				if len(frame.Samples) != tt.frameLength {
					t.Errorf("Frame %d: expected %d samples, got %d", i, tt.frameLength, len(frame.Samples))
				}
				if frame.OriginalLength != tt.expectedLengths[i] {
					t.Errorf("Frame %d: expected original length %d, got %d", i, tt.expectedLengths[i], frame.OriginalLength)
				}
				if frame.WasPadded != tt.expectedPadded[i] {
					t.Errorf("Frame %d: expected was_padded %v, got %v", i, tt.expectedPadded[i], frame.WasPadded)
				}
			}
		})
	}
}

func TestSplitFramesProperties(t *testing.T) {
	frameLengths := []int{1, 7, 160, 1024, 45000}
	totals := []int{1, 2, 6, 7, 8, 159, 160, 161, 1023, 4096, 45001, 100000}

	for _, f := range frameLengths {
		for _, l := range totals {
			buf := makeBuffer(l)
			frames, err := SplitFrames(buf, f)
			if err != nil {
				t.Fatalf("L=%d F=%d: SplitFrames failed: %v", l, f, err)
			}

			expectedCount := (l + f - 1) / f
			if len(frames) != expectedCount {
				t.Errorf("L=%d F=%d: expected %d frames, got %d", l, f, expectedCount, len(frames))
				continue
			}

			sum := 0
			for i, frame := range frames {
				sum += frame.OriginalLength
				last := i == len(frames)-1
				if !last && frame.WasPadded {
					t.Errorf("L=%d F=%d: non-final frame %d is padded", l, f, i)
				}
				if last && frame.WasPadded != (l%f != 0) {
					t.Errorf("L=%d F=%d: last frame was_padded=%v, want %v", l, f, frame.WasPadded, l%f != 0)
				}
			}

			if sum != l {
				t.Errorf("L=%d F=%d: sum of original lengths %d != %d", l, f, sum, l)
			}
		}
	}
}

func TestSplitFramesContent(t *testing.T) {
	buf := makeBuffer(10)
	frames, err := SplitFrames(buf, 4)
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}

	// Frames are contiguous copies of the source
	pos := 0
	for _, frame := range frames {
		for i := 0; i < frame.OriginalLength; i++ {
			if frame.Samples[i] != buf.Samples[pos] {
				t.Fatalf("Frame %d sample %d: expected %f, got %f", frame.Index, i, buf.Samples[pos], frame.Samples[i])
			}
			pos++
		}
		for i := frame.OriginalLength; i < len(frame.Samples); i++ {
			if frame.Samples[i] != 0 {
				t.Errorf("Frame %d padding sample %d is %f, want 0", frame.Index, i, frame.Samples[i])
			}
		}
	}

	// Source must be untouched
	frames[0].Samples[0] = 42
	if buf.Samples[0] == 42 {
		t.Error("Frame samples alias the PCM buffer")
	}
}

func TestSplitFramesErrors(t *testing.T) {
	_, err := SplitFrames(&PCMBuffer{SampleRate: 24000, Channels: 1}, 45000)
	if !errors.Is(err, ErrEmptyBuffer) {
		t.Errorf("Expected ErrEmptyBuffer for empty buffer, got %v", err)
	}

	_, err = SplitFrames(nil, 45000)
	if !errors.Is(err, ErrEmptyBuffer) {
		t.Errorf("Expected ErrEmptyBuffer for nil buffer, got %v", err)
	}

	for _, f := range []int{0, -1} {
		if _, err := SplitFrames(makeBuffer(10), f); err == nil {
			t.Errorf("Expected error for frame length %d", f)
		}
	}
}

func TestFrameIterator(t *testing.T) {
	it, err := NewFrameIterator(makeBuffer(25), 10)
	if err != nil {
		t.Fatalf("NewFrameIterator failed: %v", err)
	}

	if it.Len() != 3 {
		t.Errorf("Expected 3 frames, got %d", it.Len())
	}

	count := 0
	for {
		frame, ok := it.Next()
		if !ok {
			break
		}
		if frame.Index != count {
			t.Errorf("Expected index %d, got %d", count, frame.Index)
		}
		count++
		if it.Remaining() != 3-count {
			t.Errorf("Expected %d remaining, got %d", 3-count, it.Remaining())
		}
	}

	// Exhausted iterators stay exhausted
	if _, ok := it.Next(); ok {
		t.Error("Iterator produced a frame after exhaustion")
	}
}

func TestFrameCount(t *testing.T) {
	tests := []struct {
		total, frameLength, expected int
	}{
		{100000, 45000, 3},
		{45000, 45000, 1},
		{1, 45000, 1},
		{0, 45000, 0},
		{10, 0, 0},
	}

	for _, tt := range tests {
		if got := FrameCount(tt.total, tt.frameLength); got != tt.expected {
			t.Errorf("FrameCount(%d, %d) = %d, want %d", tt.total, tt.frameLength, got, tt.expected)
		}
	}
}
