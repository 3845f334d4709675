// Package session holds the mutable state shared across the steps of one
// orchestration run.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithCorrelationID returns a context tagged with a correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Session is owned exclusively by one in-flight run and carried by reference
// through all of its steps. Steps read keys written by earlier steps and add
// their own (processed_input, world_state, narrative_response, ...).
type Session struct {
	ID            string
	CorrelationID string

	mu     sync.RWMutex
	values map[string]any
}

// New creates a session with fresh ids.
func New() *Session {
	return &Session{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		values:        make(map[string]any),
	}
}

// Set stores a value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value for key and whether it exists.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value for key as a string, or "".
func (s *Session) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Merge copies all entries of m into the session.
func (s *Session) Merge(m map[string]any) {
	if len(m) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range m {
		s.values[k] = v
	}
}

// Snapshot returns a copy of the session's key-value state.
func (s *Session) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
