package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// mp3Channels is fixed: go-mp3 always emits interleaved 16-bit stereo
const mp3Channels = 2

// DecodeMP3 decodes an MP3 file into interleaved float32 samples.
// A positive maxDuration stops decoding with ErrInputTooLong once exceeded.
func DecodeMP3(data []byte, maxDuration time.Duration) (decoded *DecodedAudio, err error) {
	// go-mp3 indexes tables with values read from the stream and panics on corrupt frames
	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = fmt.Errorf("failed to decode MP3: %v", r)
		}
	}()

	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	if err := validateSourceRate(decoder.SampleRate()); err != nil {
		return nil, err
	}

	var src io.Reader = decoder
	maxSamples := maxInterleavedSamples(maxDuration, decoder.SampleRate(), mp3Channels)
	if maxSamples > 0 {
		src = io.LimitReader(decoder, int64(maxSamples)*2+1)
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read MP3 stream: %w", err)
	}

	if maxSamples > 0 && len(raw) > maxSamples*2 {
		return nil, fmt.Errorf("%w: MP3 stream longer than %v", ErrInputTooLong, maxDuration)
	}

	numSamples := len(raw) / 2
	numSamples -= numSamples % mp3Channels
	if numSamples == 0 {
		return nil, fmt.Errorf("no audio data found in MP3 stream")
	}

	samples := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		sample16 := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		samples[i] = float32(sample16) / 32768
	}

	return &DecodedAudio{
		Samples:    samples,
		SampleRate: decoder.SampleRate(),
		Channels:   mp3Channels,
	}, nil
}
