// Package worldgraph persists per-session world snapshots in Neo4j.
// It backs the world-builder agent; the orchestration core never reads it
// directly.
package worldgraph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Store handles Neo4j operations for world state.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j world-state store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// SaveWorldState upserts the world snapshot for a session.
func (s *Store) SaveWorldState(ctx context.Context, sessionID string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode world state: %w", err)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err = session.Run(ctx,
		`MERGE (w:World {session_id: $sessionId})
		 SET w.state = $state, w.updated_at = datetime()`,
		map[string]interface{}{
			"sessionId": sessionID,
			"state":     string(data),
		})
	if err != nil {
		return fmt.Errorf("save world state %s: %w", sessionID, err)
	}
	return nil
}

// LoadWorldState returns the world snapshot for a session, or nil when the
// session has no world yet.
func (s *Store) LoadWorldState(ctx context.Context, sessionID string) (map[string]any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (w:World {session_id: $sessionId}) RETURN w.state`,
		map[string]interface{}{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("load world state %s: %w", sessionID, err)
	}

	if !result.Next(ctx) {
		return nil, nil
	}
	raw, ok := result.Record().Get("w.state")
	if !ok {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw.(string)), &state); err != nil {
		return nil, fmt.Errorf("decode world state %s: %w", sessionID, err)
	}
	return state, nil
}

// AddEntity records a named entity in a session's world graph.
func (s *Store) AddEntity(ctx context.Context, sessionID, name, kind string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (w:World {session_id: $sessionId})
		 MERGE (e:Entity {session_id: $sessionId, name: $name})
		 SET e.kind = $kind
		 MERGE (w)-[:CONTAINS]->(e)`,
		map[string]interface{}{
			"sessionId": sessionID,
			"name":      name,
			"kind":      kind,
		})
	if err != nil {
		return fmt.Errorf("add entity %s: %w", name, err)
	}
	return nil
}

// ListEntities returns the names of entities in a session's world graph.
func (s *Store) ListEntities(ctx context.Context, sessionID string) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:World {session_id: $sessionId})-[:CONTAINS]->(e:Entity)
		 RETURN e.name ORDER BY e.name`,
		map[string]interface{}{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", sessionID, err)
	}

	var names []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("e.name"); ok {
			names = append(names, v.(string))
		}
	}
	return names, nil
}
