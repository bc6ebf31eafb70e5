package payload

import (
	"errors"
	"fmt"
)

// DefaultEncodingMethod tags envelopes produced by this pipeline version
const DefaultEncodingMethod = "encodec_24khz_client_chunks_v1"

// MaxCodebookIndex is the largest valid code for a 1024-entry codebook
const MaxCodebookIndex = 1023

// ErrInvariant indicates an envelope violates its structural invariants.
// It always signals an internal defect and is never corrected silently.
var ErrInvariant = errors.New("envelope invariant violated")

// Structure describes the shape of a frame's code tensor
type Structure struct {
	NQ        int `json:"n_q"`
	Channels  int `json:"channels"`
	TimeSteps int `json:"time_steps"`
}

// Size returns n_q * channels * time_steps
func (s Structure) Size() int {
	return s.NQ * s.Channels * s.TimeSteps
}

// CodeRecord is the encoder output for one frame. Records are never mutated after creation.
type CodeRecord struct {
	ChunkIndex     int       `json:"chunk_index"`
	Codes          []int64   `json:"codes"`
	Scale          float32   `json:"scale"`
	Structure      Structure `json:"structure"`
	OriginalLength int       `json:"original_length"`
	WasPadded      bool      `json:"was_padded"`
}

// Validate checks the record is self-consistent
func (r *CodeRecord) Validate() error {
	if r.ChunkIndex < 0 {
		return fmt.Errorf("chunk_index must be non-negative, got %d", r.ChunkIndex)
	}

	if r.Structure.NQ <= 0 || r.Structure.Channels <= 0 || r.Structure.TimeSteps <= 0 {
		return fmt.Errorf("chunk %d: structure dimensions must be positive, got %+v", r.ChunkIndex, r.Structure)
	}

	if len(r.Codes) != r.Structure.Size() {
		return fmt.Errorf("chunk %d: %d codes do not match structure %dx%dx%d",
			r.ChunkIndex, len(r.Codes), r.Structure.NQ, r.Structure.Channels, r.Structure.TimeSteps)
	}

	if r.OriginalLength <= 0 {
		return fmt.Errorf("chunk %d: original_length must be positive, got %d", r.ChunkIndex, r.OriginalLength)
	}

	return nil
}

// Tensor reshapes the flat codes into [n_q][channels][time_steps],
// clamping each code into the codebook range.
func (r *CodeRecord) Tensor() ([][][]int64, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s := r.Structure
	tensor := make([][][]int64, s.NQ)
	pos := 0
	for q := 0; q < s.NQ; q++ {
		tensor[q] = make([][]int64, s.Channels)
		for c := 0; c < s.Channels; c++ {
			row := make([]int64, s.TimeSteps)
			for t := 0; t < s.TimeSteps; t++ {
				code := r.Codes[pos]
				if code < 0 {
					code = 0
				} else if code > MaxCodebookIndex {
					code = MaxCodebookIndex
				}
				row[t] = code
				pos++
			}
			tensor[q][c] = row
		}
	}

	return tensor, nil
}

// Envelope is the complete ordered payload describing one audio file's encoding
type Envelope struct {
	EncodingMethod string       `json:"encoding_method"`
	Chunks         []CodeRecord `json:"chunks"`
	NumChunks      int          `json:"num_chunks"`
	TotalSamples   int          `json:"total_samples"`
	ChunkSize      int          `json:"chunk_size"`
	SampleRate     int          `json:"sample_rate"`
	Channels       int          `json:"channels"`
	ClientEncoded  bool         `json:"client_encoded"`
}

// Meta carries the global reconstruction parameters for Assemble
type Meta struct {
	EncodingMethod string
	TotalSamples   int
	ChunkSize      int
	SampleRate     int
	Channels       int
}

// ExpectedChunks returns ceil(totalSamples / chunkSize)
func ExpectedChunks(totalSamples, chunkSize int) int {
	if totalSamples <= 0 || chunkSize <= 0 {
		return 0
	}
	return (totalSamples + chunkSize - 1) / chunkSize
}

// Assemble builds an envelope from the complete ordered record sequence.
// Records are referenced, not copied or modified. Any invariant violation
// returns an error wrapping ErrInvariant and no envelope.
func Assemble(records []CodeRecord, meta Meta) (*Envelope, error) {
	method := meta.EncodingMethod
	if method == "" {
		method = DefaultEncodingMethod
	}

	env := &Envelope{
		EncodingMethod: method,
		Chunks:         records,
		NumChunks:      len(records),
		TotalSamples:   meta.TotalSamples,
		ChunkSize:      meta.ChunkSize,
		SampleRate:     meta.SampleRate,
		Channels:       meta.Channels,
		ClientEncoded:  true,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}

// Validate checks every structural invariant of the envelope
func (e *Envelope) Validate() error {
	if e.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvariant, e.ChunkSize)
	}

	if e.TotalSamples <= 0 {
		return fmt.Errorf("%w: total_samples must be positive, got %d", ErrInvariant, e.TotalSamples)
	}

	if e.SampleRate <= 0 {
		return fmt.Errorf("%w: sample_rate must be positive, got %d", ErrInvariant, e.SampleRate)
	}

	if e.Channels != 1 {
		return fmt.Errorf("%w: channels must be 1, got %d", ErrInvariant, e.Channels)
	}

	if !e.ClientEncoded {
		return fmt.Errorf("%w: client_encoded must be true", ErrInvariant)
	}

	expected := ExpectedChunks(e.TotalSamples, e.ChunkSize)
	if len(e.Chunks) != expected {
		return fmt.Errorf("%w: have %d chunks, expected ceil(%d/%d) = %d",
			ErrInvariant, len(e.Chunks), e.TotalSamples, e.ChunkSize, expected)
	}

	if e.NumChunks != len(e.Chunks) {
		return fmt.Errorf("%w: num_chunks %d does not match %d chunks", ErrInvariant, e.NumChunks, len(e.Chunks))
	}

	exactMultiple := e.TotalSamples%e.ChunkSize == 0
	sum := 0
	for i := range e.Chunks {
		chunk := &e.Chunks[i]

		if chunk.ChunkIndex != i {
			return fmt.Errorf("%w: chunk at position %d has chunk_index %d", ErrInvariant, i, chunk.ChunkIndex)
		}

		if err := chunk.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}

		if chunk.OriginalLength > e.ChunkSize {
			return fmt.Errorf("%w: chunk %d original_length %d exceeds chunk_size %d",
				ErrInvariant, i, chunk.OriginalLength, e.ChunkSize)
		}

		if chunk.WasPadded != (chunk.OriginalLength < e.ChunkSize) {
			return fmt.Errorf("%w: chunk %d was_padded=%v inconsistent with original_length %d",
				ErrInvariant, i, chunk.WasPadded, chunk.OriginalLength)
		}

		last := i == len(e.Chunks)-1
		if chunk.WasPadded && (!last || exactMultiple) {
			return fmt.Errorf("%w: chunk %d is padded but only a short final chunk may be", ErrInvariant, i)
		}

		sum += chunk.OriginalLength
	}

	if sum != e.TotalSamples {
		return fmt.Errorf("%w: original lengths sum to %d, expected %d", ErrInvariant, sum, e.TotalSamples)
	}

	return nil
}

// CodeCount returns the total number of codes across all chunks
func (e *Envelope) CodeCount() int {
	n := 0
	for i := range e.Chunks {
		n += len(e.Chunks[i].Codes)
	}
	return n
}
