package engine

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when the engine produced no result within the
// per-chunk deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("compression chunk timed out after %s", e.Timeout)
}

// EngineError carries an error reported by the compression engine itself.
type EngineError struct {
	Message string
	Output  string
}

func (e *EngineError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("compression engine failed: %s", e.Message)
	}
	return fmt.Sprintf("compression engine failed: %s: %s", e.Message, e.Output)
}

// TransportError means the chunk could not be handed to, or collected from,
// the execution context.
type TransportError struct {
	Op  string // launch, deliver, retrieve
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
