package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/overseer/internal/session"
	"go.uber.org/zap"
)

// InputProcessor normalizes and validates the raw request payload before any
// downstream agent runs. It is purely local; failures here are validation
// errors and never retried.
type InputProcessor struct {
	maxInputLen int
	logger      *zap.Logger
}

// NewInputProcessor creates an input processor. maxInputLen <= 0 disables
// the length check.
func NewInputProcessor(maxInputLen int, logger *zap.Logger) *InputProcessor {
	return &InputProcessor{maxInputLen: maxInputLen, logger: logger}
}

func (p *InputProcessor) Type() Type { return TypeInputProcessor }

// Invoke validates payload["input"] and emits a processed_input map with the
// trimmed text and basic counts.
func (p *InputProcessor) Invoke(_ context.Context, payload map[string]any, _ *session.Session) (*Result, error) {
	raw, ok := payload["input"].(string)
	if !ok {
		return nil, fmt.Errorf("validation: payload key %q must be a string", "input")
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("validation: input is empty")
	}
	if p.maxInputLen > 0 && len(text) > p.maxInputLen {
		return nil, fmt.Errorf("validation: input exceeds %d characters", p.maxInputLen)
	}

	words := strings.Fields(text)
	p.logger.Debug("processed input", zap.Int("words", len(words)))

	return &Result{Output: map[string]any{
		"processed_input": map[string]any{
			"text":       text,
			"word_count": len(words),
			"char_count": len(text),
		},
	}}, nil
}
