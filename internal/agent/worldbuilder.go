package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/worldgraph"
	"go.uber.org/zap"
)

// WorldBuilder advances a session's world snapshot. When a graph store is
// configured the snapshot is persisted to Neo4j; without one the snapshot
// only lives in the session context.
type WorldBuilder struct {
	graph  *worldgraph.Store // nil when Neo4j is unavailable
	logger *zap.Logger
}

// NewWorldBuilder creates a world builder.
func NewWorldBuilder(graph *worldgraph.Store, logger *zap.Logger) *WorldBuilder {
	return &WorldBuilder{graph: graph, logger: logger}
}

func (w *WorldBuilder) Type() Type { return TypeWorldBuilder }

// Invoke loads the session's world snapshot, folds in the processed input,
// and emits the updated world_state.
func (w *WorldBuilder) Invoke(ctx context.Context, payload map[string]any, sess *session.Session) (*Result, error) {
	state := w.loadState(ctx, sess)

	tick, _ := state["tick"].(float64) // JSON round trips numbers as float64
	state["tick"] = tick + 1
	state["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	if processed, ok := sess.Get("processed_input"); ok {
		if m, ok := processed.(map[string]any); ok {
			state["last_input"] = m["text"]
		}
	}
	if entity, ok := payload["entity"].(string); ok && entity != "" {
		kind, _ := payload["entity_kind"].(string)
		if w.graph != nil {
			if err := w.graph.AddEntity(ctx, sess.ID, entity, kind); err != nil {
				return nil, fmt.Errorf("add entity: %w", err)
			}
		}
		state["last_entity"] = entity
	}

	if w.graph != nil {
		if err := w.graph.SaveWorldState(ctx, sess.ID, state); err != nil {
			return nil, fmt.Errorf("save world state: %w", err)
		}
	}

	w.logger.Debug("world state advanced",
		zap.String("session", sess.ID),
		zap.Float64("tick", state["tick"].(float64)))

	return &Result{Output: map[string]any{"world_state": state}}, nil
}

// loadState prefers the graph store's snapshot, then the session's, then an
// empty world.
func (w *WorldBuilder) loadState(ctx context.Context, sess *session.Session) map[string]any {
	if w.graph != nil {
		if state, err := w.graph.LoadWorldState(ctx, sess.ID); err == nil && state != nil {
			return state
		} else if err != nil {
			w.logger.Warn("failed to load world state from graph",
				zap.String("session", sess.ID), zap.Error(err))
		}
	}
	if prior, ok := sess.Get("world_state"); ok {
		if m, ok := prior.(map[string]any); ok {
			copied := make(map[string]any, len(m))
			for k, v := range m {
				copied[k] = v
			}
			return copied
		}
	}
	return make(map[string]any)
}
