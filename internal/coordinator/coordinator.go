// Package coordinator routes typed agent calls through the protection
// stack: circuit breaker, then retry, then timeout guard. An OPEN breaker
// rejects the call before any retry or timeout bookkeeping happens.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/events"
	"github.com/nidhogg/overseer/internal/guard"
	"github.com/nidhogg/overseer/internal/retry"
	"github.com/nidhogg/overseer/internal/session"
	"go.uber.org/zap"
)

// Config bounds every dispatched call.
type Config struct {
	StepTimeout time.Duration
	GracePeriod time.Duration
	Retry       retry.Config
}

// DefaultConfig returns the dispatch policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 60 * time.Second,
		GracePeriod: 5 * time.Second,
		Retry:       retry.DefaultConfig(),
	}
}

// Coordinator dispatches requests to agents with failure protection.
type Coordinator struct {
	agents   *agent.Registry
	breakers *breaker.Registry
	guard    *guard.Guard
	executor *retry.Executor
	emitter  *events.Emitter // optional observability stream
	cfg      Config
	logger   *zap.Logger
}

// New creates a coordinator.
func New(agents *agent.Registry, breakers *breaker.Registry, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &Coordinator{
		agents:   agents,
		breakers: breakers,
		guard:    guard.New(logger),
		executor: retry.NewExecutor(cfg.Retry, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetEmitter configures the observability event stream.
func (c *Coordinator) SetEmitter(em *events.Emitter) {
	c.emitter = em
}

// emit publishes an event when a stream is configured.
func (c *Coordinator) emit(ctx context.Context, ev *events.Event) {
	if c.emitter != nil {
		c.emitter.Publish(ctx, ev)
	}
}

// Dispatch invokes the agent for agentType under the named breaker. The
// session's correlation id is attached to the context so breaker transitions
// and all call events are traceable to this run. Failure surfaces as
// breaker.ErrCircuitOpen, a *guard.TimeoutError, or the agent's own error,
// never silently downgraded.
func (c *Coordinator) Dispatch(ctx context.Context, agentType agent.Type, payload map[string]any, sess *session.Session) (*agent.Result, error) {
	corrID := sess.CorrelationID
	if corrID == "" {
		corrID = uuid.New().String()
		sess.CorrelationID = corrID
	}
	ctx = session.WithCorrelationID(ctx, corrID)

	a, ok := c.agents.Get(agentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}

	name := string(agentType)
	b := c.breakers.GetOrCreate(ctx, name, breaker.Config{})

	start := time.Now()
	var result *agent.Result
	err := b.Call(ctx, func(ctx context.Context) error {
		c.logger.Debug("agent call permitted",
			zap.String("circuit_breaker", name),
			zap.String("correlation_id", corrID))
		c.emit(ctx, &events.Event{
			Type: events.TypeCallPermitted, Breaker: name, CorrelationID: corrID,
		})
		return c.executor.Do(ctx, func(ctx context.Context) error {
			// res is local to the attempt: an abandoned timed-out goroutine
			// may still write it after the guard gives up, but nothing else
			// ever reads that instance.
			var res *agent.Result
			guardErr := c.guard.Execute(ctx, c.cfg.StepTimeout, c.cfg.GracePeriod, func(ctx context.Context) error {
				r, invokeErr := a.Invoke(ctx, payload, sess)
				if invokeErr != nil {
					return invokeErr
				}
				res = r
				return nil
			})
			if guardErr != nil {
				return guardErr
			}
			result = res
			return nil
		})
	})

	latency := time.Since(start)
	switch {
	case err == nil:
		c.logger.Info("agent call succeeded",
			zap.String("circuit_breaker", name),
			zap.String("correlation_id", corrID),
			zap.Duration("latency", latency))
		c.emit(ctx, &events.Event{
			Type: events.TypeCallSucceeded, Breaker: name, CorrelationID: corrID,
			Detail: map[string]string{"latency": latency.String()},
		})
		return result, nil
	case errors.Is(err, breaker.ErrCircuitOpen):
		c.logger.Warn("agent call rejected, circuit open",
			zap.String("circuit_breaker", name),
			zap.String("correlation_id", corrID))
		c.emit(ctx, &events.Event{
			Type: events.TypeCallRejected, Breaker: name, CorrelationID: corrID,
		})
		return nil, err
	default:
		c.logger.Warn("agent call failed",
			zap.String("circuit_breaker", name),
			zap.String("correlation_id", corrID),
			zap.Duration("latency", latency),
			zap.String("category", string(retry.Classify(err))),
			zap.Error(err))
		c.emit(ctx, &events.Event{
			Type: events.TypeCallFailed, Breaker: name, CorrelationID: corrID,
			Detail: map[string]string{
				"latency":  latency.String(),
				"category": string(retry.Classify(err)),
				"error":    err.Error(),
			},
		})
		return nil, err
	}
}

// GuardStats exposes the timeout guard's counters for the health surface.
func (c *Coordinator) GuardStats() (successes, failures uint64) {
	return c.guard.Successes(), c.guard.Failures()
}
