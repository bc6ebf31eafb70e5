package audio

// Resampler converts mono audio between sample rates using linear interpolation
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
}

// NewResampler creates a resampler from inputRate to outputRate
func NewResampler(inputRate, outputRate int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(inputRate) / float64(outputRate),
	}
}

// OutputLength returns how many samples Resample produces for n input samples
func (r *Resampler) OutputLength(n int) int {
	if n <= 0 {
		return 0
	}
	if r.inputRate == r.outputRate {
		return n
	}
	out := int(int64(n) * int64(r.outputRate) / int64(r.inputRate))
	if out < 1 {
		out = 1
	}
	return out
}

// Resample converts a whole mono buffer. The input slice is not modified.
func (r *Resampler) Resample(input []float32) []float32 {
	if r.inputRate == r.outputRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}

	n := r.OutputLength(len(input))
	output := make([]float32, n)
	last := len(input) - 1

	for i := 0; i < n; i++ {
		pos := float64(i) * r.ratio
		idx := int(pos)
		if idx >= last {
			output[i] = input[last]
			continue
		}

		frac := float32(pos - float64(idx))
		output[i] = input[idx]*(1-frac) + input[idx+1]*frac
	}

	return output
}

// downmix averages interleaved channels into a mono signal
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}

	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}

	return mono
}
