package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/agent"
)

// ErrWorkflowAborted marks a sequential or loop run that stopped at the
// first unrecovered step failure.
var ErrWorkflowAborted = errors.New("workflow aborted")

// Type defines how the steps of a workflow execute.
type Type string

const (
	TypeSequential Type = "sequential"
	TypeParallel   Type = "parallel"
	TypeLoop       Type = "loop"
)

// RunStatus tracks one run through its lifecycle.
type RunStatus string

const (
	StatusPending            RunStatus = "pending"
	StatusRunning            RunStatus = "running"
	StatusCompleted          RunStatus = "completed"
	StatusFailed             RunStatus = "failed"
	StatusPartiallyCompleted RunStatus = "partially_completed"
)

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSuccess      StepStatus = "success"
	StepFailure      StepStatus = "failure"
	StepTimeout      StepStatus = "timeout"
	StepNotAttempted StepStatus = "not_attempted"
)

// AgentStep is one unit of work in a workflow. An empty AgentType resolves
// to the request's entrypoint at execution time.
type AgentStep struct {
	AgentType agent.Type     `json:"agent_type"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
}

// Definition describes a registered workflow.
type Definition struct {
	Type          Type          `json:"type"`
	Steps         []AgentStep   `json:"steps"`
	MaxIterations int           `json:"max_iterations,omitempty"` // loop only
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Validate checks a definition before registration.
func (d Definition) Validate() error {
	switch d.Type {
	case TypeSequential, TypeParallel, TypeLoop:
	default:
		return fmt.Errorf("unknown workflow type %q", d.Type)
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow has no steps")
	}
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if s.AgentType != "" {
			if _, err := agent.ParseType(string(s.AgentType)); err != nil {
				return fmt.Errorf("step %q: %w", s.Name, err)
			}
		}
	}
	if d.Type == TypeLoop {
		if d.MaxIterations < 1 {
			return fmt.Errorf("loop workflow requires max_iterations >= 1, got %d", d.MaxIterations)
		}
		if len(d.Steps) != 1 {
			return fmt.Errorf("loop workflow requires exactly one step, got %d", len(d.Steps))
		}
	}
	return nil
}

// Request submits one run of a registered workflow.
type Request struct {
	Entrypoint agent.Type     `json:"entrypoint,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// StepOutcome records how one step (or loop iteration) settled.
type StepOutcome struct {
	Name      string        `json:"name"`
	AgentType agent.Type    `json:"agent_type"`
	Status    StepStatus    `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Iteration int           `json:"iteration,omitempty"`
}

// RunResult is the structured outcome callers always receive, whatever
// happened inside the retry and timeout machinery.
type RunResult struct {
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Status     RunStatus      `json:"status"`
	Steps      []StepOutcome  `json:"steps"`
	Session    map[string]any `json:"session"`
	Errors     []string       `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}
