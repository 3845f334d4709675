package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type recordingNotifier struct {
	platform string
	fail     bool

	mu     sync.Mutex
	alerts []Alert
	closed bool
}

func (n *recordingNotifier) Platform() string { return n.platform }

func (n *recordingNotifier) Notify(ctx context.Context, alert *Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("delivery failed")
	}
	n.alerts = append(n.alerts, *alert)
	return nil
}

func (n *recordingNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func TestNotifyAllFansOut(t *testing.T) {
	g := NewGateway(zap.NewNop())
	a := &recordingNotifier{platform: "slack"}
	b := &recordingNotifier{platform: "discord"}
	g.Register(a)
	g.Register(b)

	err := g.NotifyAll(context.Background(), &Alert{
		Title:    "Circuit breaker narrative_generator opened",
		Severity: SeverityCritical,
		Breaker:  "narrative_generator",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.alerts), len(b.alerts))
	}
	if a.alerts[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestNotifyAllCollectsFailures(t *testing.T) {
	g := NewGateway(zap.NewNop())
	good := &recordingNotifier{platform: "slack"}
	bad := &recordingNotifier{platform: "discord", fail: true}
	g.Register(good)
	g.Register(bad)

	err := g.NotifyAll(context.Background(), &Alert{Title: "test"})
	if err == nil {
		t.Fatal("expected aggregate delivery error")
	}
	// The healthy platform still got the alert.
	if len(good.alerts) != 1 {
		t.Errorf("good deliveries = %d, want 1", len(good.alerts))
	}
}

func TestHistoryBounded(t *testing.T) {
	g := NewGateway(zap.NewNop())
	for i := 0; i < 120; i++ {
		g.NotifyAll(context.Background(), &Alert{Title: fmt.Sprintf("alert %d", i)})
	}

	all := g.History(0)
	if len(all) != 100 {
		t.Fatalf("history = %d entries, want 100", len(all))
	}
	// Oldest entries were evicted.
	if all[0].Title != "alert 20" {
		t.Errorf("oldest = %q, want alert 20", all[0].Title)
	}

	last := g.History(5)
	if len(last) != 5 || last[4].Title != "alert 119" {
		t.Errorf("History(5) = %v", last)
	}
}

func TestCloseClosesNotifiers(t *testing.T) {
	g := NewGateway(zap.NewNop())
	n := &recordingNotifier{platform: "slack"}
	g.Register(n)

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !n.closed {
		t.Error("notifier not closed")
	}
}
