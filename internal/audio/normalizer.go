package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"
)

// Format identifies an input container
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatUnknown Format = "unknown"
)

// Source sample rates accepted from decoded containers
const (
	MinSourceSampleRate = 1000
	MaxSourceSampleRate = 384000
)

// NormalizerConfig contains configuration for the normalizer
type NormalizerConfig struct {
	SampleRate    int           // target sample rate
	MaxInputBytes int64         // 0 disables the limit
	FFmpegPath    string        // empty disables the ffmpeg fallback
	MaxDuration   time.Duration // 0 disables the limit
}

// Normalizer converts arbitrary audio files to mono float32 PCM at a fixed sample rate
type Normalizer struct {
	config NormalizerConfig
}

// NewNormalizer creates a new normalizer
func NewNormalizer(config NormalizerConfig) (*Normalizer, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.MaxInputBytes < 0 {
		return nil, fmt.Errorf("max input bytes cannot be negative, got %d", config.MaxInputBytes)
	}

	if config.MaxDuration < 0 {
		return nil, fmt.Errorf("max duration cannot be negative, got %v", config.MaxDuration)
	}

	return &Normalizer{config: config}, nil
}

// SampleRate returns the target sample rate
func (n *Normalizer) SampleRate() int {
	return n.config.SampleRate
}

// DetectFormat identifies the container from its leading bytes
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		return FormatFLAC
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// Normalize decodes data and returns a mono PCM buffer at the target sample rate.
// Every failure is terminal for the request; no partial buffer is returned.
func (n *Normalizer) Normalize(ctx context.Context, data []byte) (*PCMBuffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	if n.config.MaxInputBytes > 0 && int64(len(data)) > n.config.MaxInputBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrInputTooLarge, len(data), n.config.MaxInputBytes)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		decoded *DecodedAudio
		err     error
	)

	switch format := DetectFormat(data); format {
	case FormatWAV:
		decoded, err = DecodeWAV(data)
	case FormatMP3:
		decoded, err = DecodeMP3(data, n.config.MaxDuration)
	case FormatFLAC:
		decoded, err = DecodeFLAC(data, n.config.MaxDuration)
	default:
		if n.config.FFmpegPath == "" {
			return nil, ErrUnrecognizedFormat
		}
		return n.transcode(ctx, data)
	}

	if err != nil {
		if errors.Is(err, ErrInputTooLong) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}

	frames := len(decoded.Samples) / decoded.Channels
	if limit := maxInterleavedSamples(n.config.MaxDuration, decoded.SampleRate, 1); limit > 0 && frames > limit {
		return nil, fmt.Errorf("%w: %d frames at %d Hz (limit %v)", ErrInputTooLong, frames, decoded.SampleRate, n.config.MaxDuration)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mono := downmix(decoded.Samples, decoded.Channels)
	samples := NewResampler(decoded.SampleRate, n.config.SampleRate).Resample(mono)

	return &PCMBuffer{
		Samples:    samples,
		SampleRate: n.config.SampleRate,
		Channels:   1,
	}, nil
}

// transcode runs ffmpeg to convert any input it understands to mono f32le at the target rate
func (n *Normalizer) transcode(ctx context.Context, data []byte) (*PCMBuffer, error) {
	path, err := exec.LookPath(n.config.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg unavailable: %v", ErrUnrecognizedFormat, err)
	}

	args := []string{"-loglevel", "error", "-i", "pipe:0"}
	maxSamples := maxInterleavedSamples(n.config.MaxDuration, n.config.SampleRate, 1)
	if maxSamples > 0 {
		// One sample past the limit is enough to detect an overlong input
		args = append(args, "-t", strconv.FormatFloat(float64(maxSamples+1)/float64(n.config.SampleRate), 'f', -1, 64))
	}
	args = append(args, "-f", "f32le", "-ar", strconv.Itoa(n.config.SampleRate), "-ac", "1", "pipe:1")

	cmd := exec.CommandContext(ctx, path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrUnrecognizedFormat, err, bytes.TrimSpace(stderr.Bytes()))
	}

	samples := decodeF32LE(stdout.Bytes())
	if maxSamples > 0 && len(samples) > maxSamples {
		return nil, fmt.Errorf("%w: longer than %v", ErrInputTooLong, n.config.MaxDuration)
	}

	return &PCMBuffer{
		Samples:    samples,
		SampleRate: n.config.SampleRate,
		Channels:   1,
	}, nil
}

// validateSourceRate rejects container sample rates outside the supported range
func validateSourceRate(rate int) error {
	if rate < MinSourceSampleRate || rate > MaxSourceSampleRate {
		return fmt.Errorf("unsupported sample rate %d Hz (must be between %d and %d)",
			rate, MinSourceSampleRate, MaxSourceSampleRate)
	}
	return nil
}

// maxInterleavedSamples converts a duration limit to a sample count, 0 when unlimited
func maxInterleavedSamples(maxDuration time.Duration, sampleRate, channels int) int {
	if maxDuration <= 0 {
		return 0
	}
	return int(maxDuration.Seconds()*float64(sampleRate)) * channels
}

// decodeF32LE converts raw little-endian float32 bytes to samples
func decodeF32LE(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return samples
}
