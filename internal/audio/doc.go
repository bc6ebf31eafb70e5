// Package audio handles input normalization and frame splitting.
// It decodes WAV/MP3/FLAC input (with an optional ffmpeg fallback) into mono float32 PCM
// at the codec sample rate, and partitions that PCM into fixed-length, zero-padded frames.
package audio
