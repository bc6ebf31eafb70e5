package transport

import "fmt"

// ErrorKind classifies a transport failure
type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindStatus      ErrorKind = "status"
	KindMalformed   ErrorKind = "malformed"
	KindTimeout     ErrorKind = "timeout"
)

// Error is a failed exchange with the reconstruction endpoint
type Error struct {
	Kind       ErrorKind
	StatusCode int // set for KindStatus and for malformed bodies
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
