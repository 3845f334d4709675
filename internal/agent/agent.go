// Package agent defines the closed set of agent kinds the orchestrator can
// invoke. New kinds are added by extending the Type set and registering an
// implementation, never by duck typing.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/overseer/internal/session"
	"go.uber.org/zap"
)

// Type identifies an agent kind.
type Type string

const (
	TypeInputProcessor     Type = "input_processor"
	TypeWorldBuilder       Type = "world_builder"
	TypeNarrativeGenerator Type = "narrative_generator"
)

// ParseType validates a string as a known agent type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeInputProcessor, TypeWorldBuilder, TypeNarrativeGenerator:
		return t, nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// Result is an agent invocation's output. Output keys are merged into the
// run's session context by the workflow engine.
type Result struct {
	Output map[string]any
}

// Agent is one invocable unit of work. Implementations read prior keys from
// the session and return new keys in the result; they never write the
// session themselves.
type Agent interface {
	Type() Type
	Invoke(ctx context.Context, payload map[string]any, sess *session.Session) (*Result, error)
}

// Registry maps agent types to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[Type]Agent
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[Type]Agent),
		logger: logger,
	}
}

// Register adds an agent, replacing any previous implementation of the same
// type.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type()] = a
	r.logger.Info("registered agent", zap.String("type", string(a.Type())))
}

// Get returns the agent for a type.
func (r *Registry) Get(t Type) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[t]
	return a, ok
}

// Types returns the sorted registered agent types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
