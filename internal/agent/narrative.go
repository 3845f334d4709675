package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/overseer/internal/provider"
	"github.com/nidhogg/overseer/internal/session"
	"go.uber.org/zap"
)

// NarrativeGenerator produces the narrative continuation for a session by
// calling an LLM provider. The orchestration core treats its payload and
// output as opaque.
type NarrativeGenerator struct {
	router     *provider.Router
	providerID string
	model      string
	logger     *zap.Logger
}

// NewNarrativeGenerator creates a narrative generator routed through the
// given provider. Empty providerID means the router default.
func NewNarrativeGenerator(router *provider.Router, providerID, model string, logger *zap.Logger) *NarrativeGenerator {
	if model == "" {
		model = "default"
	}
	return &NarrativeGenerator{
		router:     router,
		providerID: providerID,
		model:      model,
		logger:     logger,
	}
}

func (n *NarrativeGenerator) Type() Type { return TypeNarrativeGenerator }

// Invoke builds a prompt from the session's processed input and world state
// and emits the provider's narrative_response.
func (n *NarrativeGenerator) Invoke(ctx context.Context, payload map[string]any, sess *session.Session) (*Result, error) {
	prompt := n.buildPrompt(payload, sess)

	resp, err := n.router.Route(ctx, n.providerID, &provider.ChatRequest{
		Model: n.model,
		Messages: []provider.Message{
			{Role: "user", Content: prompt},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("narrative generation: %w", err)
	}

	n.logger.Debug("narrative generated",
		zap.String("session", sess.ID),
		zap.Int("tokens", resp.Usage.TotalTokens))

	return &Result{Output: map[string]any{
		"narrative_response": resp.Content,
	}}, nil
}

func (n *NarrativeGenerator) buildPrompt(payload map[string]any, sess *session.Session) string {
	var b strings.Builder
	b.WriteString("Continue the story for this living world.\n")

	if processed, ok := sess.Get("processed_input"); ok {
		if m, ok := processed.(map[string]any); ok {
			fmt.Fprintf(&b, "\nUser input: %v\n", m["text"])
		}
	}
	if state, ok := sess.Get("world_state"); ok {
		if data, err := json.Marshal(state); err == nil {
			fmt.Fprintf(&b, "\nWorld state: %s\n", data)
		}
	}
	if instruction, ok := payload["instruction"].(string); ok && instruction != "" {
		fmt.Fprintf(&b, "\nInstruction: %s\n", instruction)
	}
	return b.String()
}
