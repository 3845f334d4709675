// Package guard enforces hard deadlines around agent operations.
//
// A guarded operation gets a context cancelled at its nominal timeout; the
// guard itself waits an additional grace period for the operation to observe
// the cancellation and unwind before it is abandoned. The grace period
// extends the total wait, never the operation's productive time.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TimeoutError is returned when an operation exceeds timeout+grace.
// It is a distinct type so callers can tell an enforced deadline apart
// from context.DeadlineExceeded raised inside the operation.
type TimeoutError struct {
	Timeout time.Duration
	Grace   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s (grace %s)", e.Timeout, e.Grace)
}

// Guard runs operations under a deadline. Concurrent Execute calls are
// independent; the counters exist for observability only.
type Guard struct {
	totalSuccesses atomic.Uint64
	totalFailures  atomic.Uint64
	logger         *zap.Logger
}

// New creates a timeout guard.
func New(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Execute runs op with a context that is cancelled after timeout. If op has
// not returned within timeout+grace, Execute gives up and returns a
// *TimeoutError; the abandoned goroutine keeps draining into a buffered
// channel so it cannot leak a send. Non-timeout errors from op propagate
// unchanged.
func (g *Guard) Execute(ctx context.Context, timeout, grace time.Duration, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	total := time.NewTimer(timeout + grace)
	defer total.Stop()

	select {
	case err := <-done:
		if err != nil {
			g.totalFailures.Add(1)
			// The operation observed our cancellation and unwound within
			// the grace period. Still a timeout from the caller's view.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &TimeoutError{Timeout: timeout, Grace: grace}
			}
			return err
		}
		g.totalSuccesses.Add(1)
		return nil
	case <-total.C:
		g.totalFailures.Add(1)
		g.logger.Warn("operation abandoned after grace period",
			zap.Duration("timeout", timeout),
			zap.Duration("grace", grace))
		return &TimeoutError{Timeout: timeout, Grace: grace}
	case <-ctx.Done():
		// Caller-level cancellation, e.g. a workflow deadline.
		g.totalFailures.Add(1)
		return ctx.Err()
	}
}

// Successes returns the number of operations that completed in time.
func (g *Guard) Successes() uint64 { return g.totalSuccesses.Load() }

// Failures returns the number of operations that failed or timed out.
func (g *Guard) Failures() uint64 { return g.totalFailures.Load() }
