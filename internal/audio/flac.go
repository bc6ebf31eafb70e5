package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mewkiz/flac"
)

// flacPreallocPerByte bounds the initial sample capacity by the input size,
// since STREAMINFO's sample count is not trusted
const flacPreallocPerByte = 8

// DecodeFLAC decodes a FLAC file into interleaved float32 samples.
// A positive maxDuration stops decoding with ErrInputTooLong once exceeded.
func DecodeFLAC(data []byte, maxDuration time.Duration) (decoded *DecodedAudio, err error) {
	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = fmt.Errorf("failed to decode FLAC: %v", r)
		}
	}()

	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	channels := int(info.NChannels)
	bitDepth := int(info.BitsPerSample)
	if channels == 0 || bitDepth == 0 {
		return nil, fmt.Errorf("invalid FLAC stream info: channels=%d bits=%d", channels, bitDepth)
	}

	sampleRate := int(info.SampleRate)
	if err := validateSourceRate(sampleRate); err != nil {
		return nil, err
	}

	maxSamples := maxInterleavedSamples(maxDuration, sampleRate, channels)

	capacity := int64(info.NSamples) * int64(channels)
	capacity = min(capacity, int64(len(data))*flacPreallocPerByte)
	if maxSamples > 0 {
		capacity = min(capacity, int64(maxSamples))
	}

	scale := float32(int64(1) << (bitDepth - 1))
	samples := make([]float32, 0, capacity)

	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse FLAC frame: %w", err)
		}

		if len(frame.Subframes) < channels {
			return nil, fmt.Errorf("FLAC frame has %d subframes, expected %d", len(frame.Subframes), channels)
		}

		if maxSamples > 0 && len(samples)+int(frame.BlockSize)*channels > maxSamples {
			return nil, fmt.Errorf("%w: FLAC stream longer than %v", ErrInputTooLong, maxDuration)
		}

		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				samples = append(samples, float32(frame.Subframes[ch].Samples[i])/scale)
			}
		}
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no audio data found in FLAC stream")
	}

	return &DecodedAudio{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
