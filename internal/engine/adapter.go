package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfsqueeze/internal/metrics"
)

// DefaultTimeout bounds a single chunk's compression regardless of its size.
const DefaultTimeout = 300 * time.Second

// teardownGrace bounds how long a cancelled session may take to notice.
const teardownGrace = 5 * time.Second

// Session is one isolated execution context able to run the engine once.
type Session interface {
	Compress(ctx context.Context, input []byte, profile string) ([]byte, error)
	Close() error
}

// Launcher creates a fresh Session per chunk.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Adapter runs one chunk through the engine under a hard timeout, in a
// dedicated execution context that is always torn down before returning.
type Adapter struct {
	launcher Launcher
	presets  Presets
	timeout  time.Duration
}

// NewAdapter builds an Adapter. A non-positive timeout selects DefaultTimeout.
func NewAdapter(l Launcher, presets Presets, timeout time.Duration) *Adapter {
	if presets == nil {
		presets = DefaultPresets()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{launcher: l, presets: presets, timeout: timeout}
}

// Presets returns the preset table in use.
func (a *Adapter) Presets() Presets { return a.presets }

// Timeout returns the per-chunk deadline.
func (a *Adapter) Timeout() time.Duration { return a.timeout }

// Compress compresses chunk with the adapter's default timeout.
func (a *Adapter) Compress(ctx context.Context, chunk []byte, q Quality) ([]byte, error) {
	return a.CompressWithTimeout(ctx, chunk, q, a.timeout)
}

type sessionResult struct {
	out []byte
	err error
}

// CompressWithTimeout compresses chunk, failing with *TimeoutError when the
// engine does not answer within timeout. Cancellation of ctx returns ctx.Err().
func (a *Adapter) CompressWithTimeout(ctx context.Context, chunk []byte, q Quality, timeout time.Duration) ([]byte, error) {
	preset, err := a.presets.Lookup(q)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = a.timeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := a.launcher.Launch(ctx)
	if err != nil {
		return nil, &TransportError{Op: "launch", Err: err}
	}
	metrics.ContextOpened()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan sessionResult, 1)
	go func() {
		out, err := sess.Compress(runCtx, chunk, preset.Profile)
		done <- sessionResult{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	var res sessionResult
	var finished bool
	select {
	case res = <-done:
		finished = true
	case <-timer.C:
		res.err = &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	timer.Stop()
	cancel()

	if !finished {
		// The session saw runCtx cancelled; let it unwind before teardown.
		select {
		case <-done:
		case <-time.After(teardownGrace):
			log.Warn().Str("profile", preset.Profile).Msg("engine session did not stop after cancellation")
		}
	}
	if cerr := sess.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("engine session teardown failed")
	}
	metrics.ContextClosed()

	if res.err != nil {
		return nil, classify(res.err)
	}
	if len(res.out) == 0 {
		return nil, &TransportError{Op: "retrieve", Err: errors.New("engine returned no output")}
	}
	return res.out, nil
}

// classify keeps typed errors and context errors as they are and reports
// anything else as an engine failure.
func classify(err error) error {
	var (
		te *TimeoutError
		ee *EngineError
		tr *TransportError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &ee), errors.As(err, &tr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &EngineError{Message: err.Error()}
	}
}
