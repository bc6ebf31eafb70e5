package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 0x0001
	wavFormatIEEEFloat  = 0x0003
	wavFormatExtensible = 0xFFFE
)

// WAVHeader represents the canonical 44-byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the stream parameters found in a WAV file
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// DecodedAudio is interleaved float32 audio in [-1, 1] at its native rate and channel count
type DecodedAudio struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV file.
// Samples outside [-1, 1] are clipped.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		pcm[i] = int16(math.Round(float64(s) * math.MaxInt16))
	}

	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// ValidateWAV checks the RIFF/WAVE container signature
func ValidateWAV(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	return nil
}

// GetWAVInfo walks the RIFF chunks and returns the stream parameters
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	info, _, err := parseWAV(data)
	return info, err
}

// DecodeWAV decodes a WAV file into interleaved float32 samples.
// Integer PCM of 8, 16, 24 and 32 bits and IEEE float of 32 and 64 bits are supported,
// with any channel count. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (*DecodedAudio, error) {
	info, payload, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	bytesPerSample := int(info.BitsPerSample / 8)
	numSamples := len(payload) / bytesPerSample
	if numSamples == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	samples := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		b := payload[i*bytesPerSample : (i+1)*bytesPerSample]
		samples[i] = wavSampleToFloat(b, info.AudioFormat, info.BitsPerSample)
	}

	// Drop a trailing partial frame, if any
	channels := int(info.Channels)
	samples = samples[:len(samples)-len(samples)%channels]

	return &DecodedAudio{
		Samples:    samples,
		SampleRate: int(info.SampleRate),
		Channels:   channels,
	}, nil
}

// parseWAV locates the fmt and data chunks and validates the sample format
func parseWAV(data []byte) (*WAVInfo, []byte, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var (
		info    WAVInfo
		haveFmt bool
		payload []byte
		found   bool
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			// Truncated data chunks are common in streamed recordings; keep what is there
			if id != "data" {
				return nil, nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			f := data[body:end]
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = binary.LittleEndian.Uint16(f[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			if info.AudioFormat == wavFormatExtensible && size >= 26 {
				// The first two bytes of the SubFormat GUID carry the real format code
				info.AudioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
			haveFmt = true
		case "data":
			payload = data[body:end]
			found = true
		}

		if found && haveFmt {
			break
		}

		// RIFF chunks are word aligned
		offset = end + size%2
	}

	if !haveFmt {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if !found {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	if err := validateWAVFormat(&info); err != nil {
		return nil, nil, err
	}

	info.DataSize = uint32(len(payload))
	info.NumFrames = info.DataSize / (uint32(info.BitsPerSample) / 8) / uint32(info.Channels)
	info.Duration = float64(info.NumFrames) / float64(info.SampleRate)

	return &info, payload, nil
}

func validateWAVFormat(info *WAVInfo) error {
	if info.Channels == 0 {
		return fmt.Errorf("unsupported channel count: 0")
	}

	if err := validateSourceRate(int(info.SampleRate)); err != nil {
		return err
	}

	switch info.AudioFormat {
	case wavFormatPCM:
		switch info.BitsPerSample {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("unsupported PCM bit depth: %d", info.BitsPerSample)
		}
	case wavFormatIEEEFloat:
		if info.BitsPerSample != 32 && info.BitsPerSample != 64 {
			return fmt.Errorf("unsupported float bit depth: %d", info.BitsPerSample)
		}
	default:
		return fmt.Errorf("unsupported audio format: %d (only PCM and IEEE float are supported)", info.AudioFormat)
	}

	return nil
}

// wavSampleToFloat converts one little-endian sample to a float in [-1, 1]
func wavSampleToFloat(b []byte, format, bits uint16) float32 {
	if format == wavFormatIEEEFloat {
		if bits == 64 {
			return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}

	switch bits {
	case 8:
		// 8-bit WAV is unsigned
		return (float32(b[0]) - 128) / 128
	case 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float32(v) / 8388608
	default:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	}
}
