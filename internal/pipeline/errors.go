package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/payload"
	"github.com/Teo-Te/niv-task/internal/transport"
)

// Kind distinguishes failures that need different recovery
type Kind string

const (
	KindInput            Kind = "input"
	KindModelUnavailable Kind = "model_unavailable"
	KindEncode           Kind = "encode"
	KindAssembly         Kind = "assembly"
	KindTransport        Kind = "transport"
	KindCanceled         Kind = "canceled"
)

// Error is a failed pipeline run
type Error struct {
	Kind Kind
	Op   Stage
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resending the already-built envelope may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// KindOf returns the kind of a pipeline error, or "" for other errors
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// classify assigns a kind to a stage failure. Deadlines during transmit
// are transport timeouts; elsewhere they abandon the request.
func classify(stage Stage, err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded) && stage != StageTransmit:
		return KindCanceled
	case errors.Is(err, codec.ErrModelUnavailable):
		return KindModelUnavailable
	case errors.Is(err, payload.ErrInvariant):
		return KindAssembly
	}

	switch stage {
	case StageNormalize, StageSplit:
		return KindInput
	case StageAssemble:
		return KindAssembly
	case StageTransmit:
		return KindTransport
	default:
		return KindEncode
	}
}

func newError(stage Stage, err error) *Error {
	return &Error{Kind: classify(stage, err), Op: stage, Err: err}
}

// transportLabel returns the transport failure kind for metrics
func transportLabel(err error) string {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return string(terr.Kind)
	}
	if errors.Is(err, payload.ErrInvariant) {
		return "invalid"
	}
	return "error"
}
