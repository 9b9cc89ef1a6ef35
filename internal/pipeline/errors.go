package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/pdfdoc"
)

// Failure kinds reported to callers.
const (
	KindInvalidInput     = "invalid_input"
	KindEngineTimeout    = "engine_timeout"
	KindEngineFailure    = "engine_failure"
	KindTransportFailure = "transport_failure"
	KindMergeFailure     = "merge_failure"
	KindCancelled        = "cancelled"
	KindInternal         = "internal"
)

// ChunkError ties a failure to the chunk that caused it.
type ChunkError struct {
	Index int // zero-based
	Total int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d of %d: %v", e.Index+1, e.Total, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// FailureKind classifies err into one of the Kind constants ("" for nil).
func FailureKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		invalid   *pdfdoc.InvalidInputError
		merge     *pdfdoc.MergeError
		engErr    *engine.EngineError
		transport *engine.TransportError
	)
	switch {
	case errors.As(err, &invalid):
		return KindInvalidInput
	case engine.IsTimeout(err):
		return KindEngineTimeout
	case errors.As(err, &engErr):
		return KindEngineFailure
	case errors.As(err, &transport):
		return KindTransportFailure
	case errors.As(err, &merge):
		return KindMergeFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
