package audio

import "errors"

// ErrEmptyInput indicates the submitted audio file had no bytes.
var ErrEmptyInput = errors.New("audio input is empty")

// ErrEmptyBuffer indicates a PCM buffer with zero samples was handed to the splitter.
var ErrEmptyBuffer = errors.New("pcm buffer has no samples")

// ErrUnrecognizedFormat indicates the input could not be identified as a supported audio format.
var ErrUnrecognizedFormat = errors.New("unrecognized audio format")

// ErrInputTooLarge indicates the input exceeds the configured maximum size.
var ErrInputTooLarge = errors.New("audio input exceeds size limit")

// ErrInputTooLong indicates the decoded audio exceeds the configured maximum duration.
var ErrInputTooLong = errors.New("audio input exceeds duration limit")
