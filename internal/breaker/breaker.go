// Package breaker implements per-resource failure isolation.
//
// Each breaker is a CLOSED/OPEN/HALF_OPEN state machine guarding one named
// downstream resource (usually an agent). Failure counting is consecutive:
// any success in CLOSED resets the count. A timed-out call surfaces as an
// error from the wrapped operation and therefore counts as a failure.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/session"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// operation. It is a fail-fast signal, not a real invocation failure.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when a breaker opens and how it recovers.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// before the breaker opens.
	FailureThreshold int `json:"failure_threshold"`
	// Timeout is the minimum time the breaker stays OPEN before a trial
	// call is allowed.
	Timeout time.Duration `json:"timeout"`
	// RecoveryTimeout bounds the HALF_OPEN phase; a breaker stuck half-open
	// longer than this reverts to OPEN. Must exceed Timeout.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxCalls is the number of concurrent trial calls permitted
	// while HALF_OPEN.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
	// SuccessThreshold is the number of trial successes required to close
	// again. Must not exceed HalfOpenMaxCalls.
	SuccessThreshold int `json:"success_threshold"`
}

// DefaultConfig returns the breaker policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// Validate checks cross-field constraints on a fully populated config.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RecoveryTimeout <= c.Timeout {
		return fmt.Errorf("recovery_timeout %s must exceed timeout %s", c.RecoveryTimeout, c.Timeout)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be >= 1, got %d", c.HalfOpenMaxCalls)
	}
	if c.SuccessThreshold < 1 || c.SuccessThreshold > c.HalfOpenMaxCalls {
		return fmt.Errorf("success_threshold %d must be in [1, half_open_max_calls=%d]",
			c.SuccessThreshold, c.HalfOpenMaxCalls)
	}
	return nil
}

// Metrics are monotonically increasing call counters. They are zeroed when
// the breaker closes after recovery or is administratively reset.
type Metrics struct {
	TotalCalls      uint64     `json:"total_calls"`
	SuccessfulCalls uint64     `json:"successful_calls"`
	FailedCalls     uint64     `json:"failed_calls"`
	StateChanges    uint64     `json:"state_changes"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
}

// SuccessRate returns successful/total, 0 when no calls were made.
func (m Metrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}

// FailureRate returns failed/total, 0 when no calls were made.
func (m Metrics) FailureRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.FailedCalls) / float64(m.TotalCalls)
}

// TransitionListener observes state changes. Called outside the breaker's
// lock; it must not call back into the breaker synchronously with blocking
// work.
type TransitionListener func(name string, from, to State, correlationID string)

// Breaker guards a single named resource.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failureCount      int // consecutive failures while CLOSED
	halfOpenInFlight  int
	halfOpenSuccesses int
	metrics           Metrics
	lastStateChange   time.Time

	listeners []TransitionListener
	logger    *zap.Logger
}

// New creates a breaker in CLOSED state. The config must already be valid.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		logger:          logger,
	}
}

// Name returns the resource name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker's configuration.
func (b *Breaker) Config() Config { return b.cfg }

// OnTransition registers a state-change listener.
func (b *Breaker) OnTransition(l TransitionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a copy of the current metrics.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// LastStateChange returns when the breaker last changed state.
func (b *Breaker) LastStateChange() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStateChange
}

// Call invokes op if the breaker admits it. In OPEN it fails fast with
// ErrCircuitOpen without invoking op; rejected calls are not counted in the
// call metrics. In HALF_OPEN at most HalfOpenMaxCalls trials run
// concurrently.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(ctx, trial, opErr)
	return opErr
}

// admit decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the cooldown has elapsed. It reports whether the admitted call is a
// half-open trial.
func (b *Breaker) admit(ctx context.Context) (trial bool, err error) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		if time.Since(b.lastStateChange) < b.cfg.Timeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		tr := b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight = 1
		b.halfOpenSuccesses = 0
		b.mu.Unlock()
		b.fire(ctx, tr)
		return true, nil

	case StateHalfOpen:
		// A breaker stuck half-open past the recovery budget goes back to
		// OPEN so the cooldown restarts.
		if time.Since(b.lastStateChange) > b.cfg.RecoveryTimeout-b.cfg.Timeout {
			tr := b.transitionLocked(StateOpen)
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
			b.mu.Unlock()
			b.fire(ctx, tr)
			return false, ErrCircuitOpen
		}
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return true, nil
	}

	b.mu.Unlock()
	return false, nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(ctx context.Context, trial bool, opErr error) {
	now := time.Now()
	b.mu.Lock()

	b.metrics.TotalCalls++
	var transitions []transition

	if opErr == nil {
		b.metrics.SuccessfulCalls++
		b.metrics.LastSuccessTime = &now

		switch {
		case trial && b.state == StateHalfOpen:
			b.halfOpenInFlight--
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.metrics = Metrics{} // recovery wipes the failure history
				transitions = append(transitions, b.transitionLocked(StateClosed))
				b.failureCount = 0
				b.halfOpenInFlight = 0
				b.halfOpenSuccesses = 0
			}
		case b.state == StateClosed:
			b.failureCount = 0
		}
	} else {
		b.metrics.FailedCalls++
		b.metrics.LastFailureTime = &now

		switch {
		case trial && b.state == StateHalfOpen:
			b.halfOpenInFlight--
			b.halfOpenSuccesses = 0
			transitions = append(transitions, b.transitionLocked(StateOpen))
		case b.state == StateClosed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				transitions = append(transitions, b.transitionLocked(StateOpen))
			}
		}
	}

	b.mu.Unlock()
	for _, tr := range transitions {
		b.fire(ctx, tr)
	}
}

// Reset forces the breaker CLOSED and zeroes all metrics. Administrative
// override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var transitions []transition
	if b.state != StateClosed {
		transitions = append(transitions, b.transitionLocked(StateClosed))
	}
	b.metrics = Metrics{}
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	b.mu.Unlock()

	for _, tr := range transitions {
		b.fire(context.Background(), tr)
	}
	b.logger.Info("breaker reset", zap.String("breaker", b.name))
}

type transition struct {
	from, to State
}

// transitionLocked switches state while b.mu is held and returns the edge
// for listener dispatch after unlock.
func (b *Breaker) transitionLocked(to State) transition {
	tr := transition{from: b.state, to: to}
	b.state = to
	b.lastStateChange = time.Now()
	b.metrics.StateChanges++
	return tr
}

// fire logs a transition and notifies listeners outside the lock.
func (b *Breaker) fire(ctx context.Context, tr transition) {
	corrID := session.CorrelationID(ctx)
	b.logger.Info("breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)),
		zap.String("correlation_id", corrID))

	b.mu.Lock()
	listeners := make([]TransitionListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(b.name, tr.from, tr.to, corrID)
	}
}
