// Package gateway fans breaker alerts out to ops channels.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert describes an orchestration incident worth telling a human about,
// typically a breaker opening or recovering.
type Alert struct {
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Severity      Severity  `json:"severity"`
	Breaker       string    `json:"circuit_breaker_name,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier delivers alerts to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, alert *Alert) error
	Close() error
}

// Gateway manages the registered notifiers.
type Gateway struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	history   []Alert
	logger    *zap.Logger
}

// NewGateway creates an empty alert gateway.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Register adds a notifier.
func (g *Gateway) Register(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers[n.Platform()] = n
	g.logger.Info("registered alert notifier", zap.String("platform", n.Platform()))
}

// NotifyAll delivers an alert to every registered notifier. Delivery
// failures are collected, not short-circuited.
func (g *Gateway) NotifyAll(ctx context.Context, alert *Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	g.mu.Lock()
	g.history = append(g.history, *alert)
	if len(g.history) > 100 {
		g.history = g.history[len(g.history)-100:]
	}
	targets := make([]Notifier, 0, len(g.notifiers))
	for _, n := range g.notifiers {
		targets = append(targets, n)
	}
	g.mu.Unlock()

	var failed int
	for _, n := range targets {
		if err := n.Notify(ctx, alert); err != nil {
			g.logger.Error("alert delivery failed",
				zap.String("platform", n.Platform()), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("alert delivery failed on %d platform(s)", failed)
	}
	return nil
}

// History returns the most recent alerts, oldest first.
func (g *Gateway) History(limit int) []Alert {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limit <= 0 || limit > len(g.history) {
		limit = len(g.history)
	}
	out := make([]Alert, limit)
	copy(out, g.history[len(g.history)-limit:])
	return out
}

// Platforms returns the registered platform names.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.notifiers))
	for p := range g.notifiers {
		names = append(names, p)
	}
	return names
}

// Close shuts down all notifiers.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, n := range g.notifiers {
		if err := n.Close(); err != nil {
			g.logger.Error("notifier close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}
