// Package workflow composes protected agent calls into sequential, parallel
// and loop runs with shared session state.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/events"
	"github.com/nidhogg/overseer/internal/guard"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/store"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "overseer:session:"
	sessionTTL       = 24 * time.Hour
)

// Dispatcher invokes one agent with full failure protection. Implemented by
// the coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentType agent.Type, payload map[string]any, sess *session.Session) (*agent.Result, error)
}

// RunSink archives completed runs. Implemented by the run store.
type RunSink interface {
	SaveRun(ctx context.Context, result *RunResult) error
}

// Engine executes registered workflow definitions.
type Engine struct {
	mu   sync.RWMutex
	defs map[string]Definition

	dispatcher     Dispatcher
	kv             store.KV        // session snapshots; may be nil
	sink           RunSink         // run archive; may be nil
	emitter        *events.Emitter // observability stream; may be nil
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewEngine creates a workflow engine. defaultTimeout bounds runs whose
// definition carries no timeout of its own.
func NewEngine(dispatcher Dispatcher, kv store.KV, defaultTimeout time.Duration, logger *zap.Logger) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Engine{
		defs:           make(map[string]Definition),
		dispatcher:     dispatcher,
		kv:             kv,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// SetRunSink configures the archive for completed runs.
func (e *Engine) SetRunSink(sink RunSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// SetEmitter configures the observability event stream.
func (e *Engine) SetEmitter(em *events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitter = em
}

// emit publishes an event when a stream is configured.
func (e *Engine) emit(ctx context.Context, ev *events.Event) {
	e.mu.RLock()
	em := e.emitter
	e.mu.RUnlock()
	if em != nil {
		em.Publish(ctx, ev)
	}
}

// Register validates and stores a workflow definition under id.
func (e *Engine) Register(id string, def Definition) error {
	if id == "" {
		return errors.New("workflow id is required")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("workflow %q: %w", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[id] = def
	e.logger.Info("registered workflow",
		zap.String("workflow", id),
		zap.String("type", string(def.Type)),
		zap.Int("steps", len(def.Steps)))
	return nil
}

// Definitions returns the registered workflow ids.
func (e *Engine) Definitions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.defs))
	for id := range e.defs {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a registered definition.
func (e *Engine) Get(id string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[id]
	return def, ok
}

// Execute runs workflow id once. The returned RunResult is always populated;
// the error is the run's terminal error (ErrWorkflowAborted for sequential
// and loop short-circuits) and nil for completed or partially completed
// runs.
func (e *Engine) Execute(ctx context.Context, id string, req Request) (*RunResult, error) {
	e.mu.RLock()
	def, ok := e.defs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", id)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess := session.New()
	runCtx = session.WithCorrelationID(runCtx, sess.CorrelationID)

	result := &RunResult{
		RunID:      uuid.New().String(),
		WorkflowID: id,
		Status:     StatusPending,
		StartedAt:  time.Now(),
	}
	e.logger.Info("run started",
		zap.String("run", result.RunID),
		zap.String("workflow", id),
		zap.String("correlation_id", sess.CorrelationID))
	e.emit(runCtx, &events.Event{
		Type: events.TypeRunStarted, RunID: result.RunID, CorrelationID: sess.CorrelationID,
		Detail: map[string]string{"workflow": id},
	})

	result.Status = StatusRunning
	var runErr error
	switch def.Type {
	case TypeSequential:
		runErr = e.runSequential(runCtx, def, req, sess, result)
	case TypeParallel:
		runErr = e.runParallel(runCtx, def, req, sess, result)
	case TypeLoop:
		runErr = e.runLoop(runCtx, def, req, sess, result)
	}

	result.Session = sess.Snapshot()
	result.Duration = time.Since(result.StartedAt)
	e.logger.Info("run finished",
		zap.String("run", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration))
	e.emit(ctx, &events.Event{
		Type: events.TypeRunFinished, RunID: result.RunID, CorrelationID: sess.CorrelationID,
		Detail: map[string]string{"workflow": id, "status": string(result.Status)},
	})

	e.archive(result)
	return result, runErr
}

// runSequential executes steps in declared order, aborting at the first
// unrecovered failure. Remaining steps are reported as not attempted.
func (e *Engine) runSequential(ctx context.Context, def Definition, req Request, sess *session.Session, result *RunResult) error {
	for i, step := range def.Steps {
		agentType := resolveAgent(step, req)
		outcome, res := e.runStep(ctx, step, agentType, stepPayload(step, req), sess)
		result.Steps = append(result.Steps, outcome)

		if outcome.Status != StepSuccess {
			result.Errors = append(result.Errors, outcome.Error)
			for _, rest := range def.Steps[i+1:] {
				result.Steps = append(result.Steps, StepOutcome{
					Name:      rest.Name,
					AgentType: resolveAgent(rest, req),
					Status:    StepNotAttempted,
				})
			}
			result.Status = StatusFailed
			return fmt.Errorf("%w at step %q: %s", ErrWorkflowAborted, step.Name, outcome.Error)
		}

		sess.Merge(res.Output)
		e.persistSession(sess)
	}
	result.Status = StatusCompleted
	return nil
}

// runParallel dispatches all steps concurrently and waits for every one to
// settle. There is no ordering guarantee between steps.
func (e *Engine) runParallel(ctx context.Context, def Definition, req Request, sess *session.Session, result *RunResult) error {
	type settled struct {
		outcome StepOutcome
		res     *agent.Result
	}
	results := make(chan settled, len(def.Steps))
	var wg sync.WaitGroup

	for _, step := range def.Steps {
		wg.Add(1)
		go func(step AgentStep) {
			defer wg.Done()
			agentType := resolveAgent(step, req)
			outcome, res := e.runStep(ctx, step, agentType, stepPayload(step, req), sess)
			results <- settled{outcome: outcome, res: res}
		}(step)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded := 0
	for s := range results {
		result.Steps = append(result.Steps, s.outcome)
		if s.outcome.Status == StepSuccess {
			succeeded++
			sess.Merge(s.res.Output)
		} else {
			result.Errors = append(result.Errors, s.outcome.Error)
		}
	}
	e.persistSession(sess)

	switch {
	case succeeded == len(def.Steps):
		result.Status = StatusCompleted
	case succeeded > 0:
		result.Status = StatusPartiallyCompleted
	default:
		result.Status = StatusFailed
	}
	return nil
}

// runLoop executes the single step repeatedly, feeding each iteration's
// output back as the next iteration's input. It stops early on failure or
// when an iteration reports converged=true.
func (e *Engine) runLoop(ctx context.Context, def Definition, req Request, sess *session.Session, result *RunResult) error {
	step := def.Steps[0]
	agentType := resolveAgent(step, req)
	payload := stepPayload(step, req)

	for i := 1; i <= def.MaxIterations; i++ {
		outcome, res := e.runStep(ctx, step, agentType, payload, sess)
		outcome.Iteration = i
		result.Steps = append(result.Steps, outcome)

		if outcome.Status != StepSuccess {
			result.Errors = append(result.Errors, outcome.Error)
			result.Status = StatusFailed
			return fmt.Errorf("%w at iteration %d: %s", ErrWorkflowAborted, i, outcome.Error)
		}

		sess.Merge(res.Output)
		e.persistSession(sess)

		if converged, _ := res.Output["converged"].(bool); converged {
			e.logger.Debug("loop converged",
				zap.String("step", step.Name), zap.Int("iteration", i))
			break
		}

		next := make(map[string]any, len(payload)+len(res.Output))
		for k, v := range payload {
			next[k] = v
		}
		for k, v := range res.Output {
			next[k] = v
		}
		payload = next
	}
	result.Status = StatusCompleted
	return nil
}

// runStep dispatches one agent call and folds the error into a step outcome.
func (e *Engine) runStep(ctx context.Context, step AgentStep, agentType agent.Type, payload map[string]any, sess *session.Session) (StepOutcome, *agent.Result) {
	start := time.Now()
	res, err := e.dispatcher.Dispatch(ctx, agentType, payload, sess)
	outcome := StepOutcome{
		Name:      step.Name,
		AgentType: agentType,
		Duration:  time.Since(start),
	}
	if err != nil {
		outcome.Error = err.Error()
		var timeoutErr *guard.TimeoutError
		if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
			outcome.Status = StepTimeout
		} else {
			outcome.Status = StepFailure
		}
		return outcome, nil
	}
	outcome.Status = StepSuccess
	return outcome, res
}

// resolveAgent picks the step's agent type, falling back to the request's
// entrypoint.
func resolveAgent(step AgentStep, req Request) agent.Type {
	if step.AgentType != "" {
		return step.AgentType
	}
	return req.Entrypoint
}

// stepPayload merges the request payload with the step config; step config
// wins on conflicts.
func stepPayload(step AgentStep, req Request) map[string]any {
	payload := make(map[string]any, len(req.Payload)+len(step.Config))
	for k, v := range req.Payload {
		payload[k] = v
	}
	for k, v := range step.Config {
		payload[k] = v
	}
	return payload
}

// persistSession snapshots the session to the shared store. Best effort.
func (e *Engine) persistSession(sess *session.Session) {
	if e.kv == nil {
		return
	}
	snap := map[string]any{
		"session_id":     sess.ID,
		"correlation_id": sess.CorrelationID,
		"values":         sess.Snapshot(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.kv.Set(ctx, sessionKeyPrefix+sess.ID, string(data), sessionTTL); err != nil {
		e.logger.Warn("failed to persist session",
			zap.String("session", sess.ID), zap.Error(err))
	}
}

// archive saves a finished run to the sink when one is configured.
func (e *Engine) archive(result *RunResult) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.SaveRun(ctx, result); err != nil {
		e.logger.Warn("failed to archive run",
			zap.String("run", result.RunID), zap.Error(err))
	}
}
