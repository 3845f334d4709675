package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/store"
	"go.uber.org/zap"
)

const (
	stateKeyPrefix   = "overseer:cb:state:"
	metricsKeyPrefix = "overseer:cb:metrics:"
	namesKey         = "overseer:cb:names"

	// retention for persisted state of breakers no longer in the active set.
	expiredStateRetention = 24 * time.Hour

	persistTimeout = 2 * time.Second
)

// Snapshot is the persisted form of a breaker's state.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastStateChange time.Time `json:"last_state_change"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Registry owns all named breakers in a process and mirrors their state to a
// shared store so sibling orchestrator processes observe consistent breaker
// state. Persistence is last-writer-wins; only the in-process map requires
// mutual exclusion.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	kv        store.KV
	defaults  Config
	listeners []TransitionListener
	logger    *zap.Logger

	cleanupMu     sync.Mutex
	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// NewRegistry creates a registry backed by kv. defaults apply when
// GetOrCreate is called with a zero config.
func NewRegistry(kv store.KV, defaults Config, logger *zap.Logger) *Registry {
	if err := defaults.Validate(); err != nil {
		logger.Warn("invalid default breaker config, using built-in defaults", zap.Error(err))
		defaults = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		kv:       kv,
		defaults: defaults,
		logger:   logger,
	}
}

// OnTransition registers a listener applied to every breaker the registry
// creates, present and future.
func (r *Registry) OnTransition(l TransitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	for _, b := range r.breakers {
		b.OnTransition(l)
	}
}

// GetOrCreate returns the breaker for name, creating it lazily. Idempotent
// and safe under concurrent callers; the winner's config sticks for the
// process lifetime. An invalid cfg falls back to the registry defaults with
// a logged warning. The snapshot load is a store round trip and runs
// outside the registry lock so a slow store never stalls lookups of other
// breakers; a lost creation race discards the loser's instance.
func (r *Registry) GetOrCreate(ctx context.Context, name string, cfg Config) *Breaker {
	r.mu.Lock()
	if b, ok := r.breakers[name]; ok {
		r.mu.Unlock()
		return b
	}
	r.mu.Unlock()

	if (cfg == Config{}) {
		cfg = r.defaults
	} else if err := cfg.Validate(); err != nil {
		r.logger.Warn("invalid breaker config, falling back to defaults",
			zap.String("breaker", name), zap.Error(err))
		cfg = r.defaults
	}

	b := New(name, cfg, r.logger)
	if snap, err := r.loadSnapshot(ctx, name); err == nil {
		r.restore(b, snap)
		r.logger.Info("restored breaker from store",
			zap.String("breaker", name), zap.String("state", string(snap.State)))
	}

	r.mu.Lock()
	if existing, ok := r.breakers[name]; ok {
		r.mu.Unlock()
		return existing
	}
	for _, l := range r.listeners {
		b.OnTransition(l)
	}
	b.OnTransition(func(string, State, State, string) {
		r.persist(b)
	})
	r.breakers[name] = b
	r.mu.Unlock()

	r.persist(b)
	if err := r.kv.SAdd(ctx, namesKey, name); err != nil {
		r.logger.Warn("failed to register breaker name", zap.String("breaker", name), zap.Error(err))
	}
	return b
}

// Get returns the breaker for name if it exists in this process.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Remove deletes a breaker from the registry and the shared store.
func (r *Registry) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()

	if err := r.kv.SRem(ctx, namesKey, name); err != nil {
		r.logger.Warn("failed to deregister breaker name", zap.String("breaker", name), zap.Error(err))
	}
	if err := r.kv.Delete(ctx, stateKeyPrefix+name, metricsKeyPrefix+name); err != nil {
		r.logger.Warn("failed to delete breaker keys", zap.String("breaker", name), zap.Error(err))
	}
}

// Names returns the sorted names of all breakers in this process.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllStates returns the current state of every breaker.
func (r *Registry) AllStates() map[string]State {
	states := make(map[string]State)
	for _, b := range r.snapshotBreakers() {
		states[b.Name()] = b.State()
	}
	return states
}

// AllMetrics returns the current metrics of every breaker.
func (r *Registry) AllMetrics() map[string]Metrics {
	metrics := make(map[string]Metrics)
	for _, b := range r.snapshotBreakers() {
		metrics[b.Name()] = b.Metrics()
	}
	return metrics
}

// OpenBreakers returns the names of breakers currently OPEN. Dashboard
// helper, not on the hot path.
func (r *Registry) OpenBreakers() []string {
	var open []string
	for _, b := range r.snapshotBreakers() {
		if b.State() == StateOpen {
			open = append(open, b.Name())
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll forces every breaker CLOSED with zeroed metrics.
func (r *Registry) ResetAll() {
	for _, b := range r.snapshotBreakers() {
		b.Reset()
		r.persist(b)
	}
	r.logger.Info("all breakers reset")
}

func (r *Registry) snapshotBreakers() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// SyncWithStore reconciles the registry against the shared store: in-memory
// breakers are written out (in-memory wins) and names present in the shared
// set but unknown locally are instantiated from their snapshots.
func (r *Registry) SyncWithStore(ctx context.Context) error {
	members, err := r.kv.SMembers(ctx, namesKey)
	if err != nil {
		return fmt.Errorf("read breaker name set: %w", err)
	}

	known := make(map[string]struct{})
	for _, b := range r.snapshotBreakers() {
		known[b.Name()] = struct{}{}
		r.persist(b)
	}
	if err := r.kv.SAdd(ctx, namesKey, r.Names()...); err != nil {
		return fmt.Errorf("sync breaker name set: %w", err)
	}

	adopted := 0
	for _, name := range members {
		if _, ok := known[name]; ok {
			continue
		}
		r.GetOrCreate(ctx, name, r.defaults)
		adopted++
	}
	r.logger.Info("registry synced with store",
		zap.Int("local", len(known)), zap.Int("adopted", adopted))
	return nil
}

// CleanupExpiredStates deletes persisted state for breakers that are no
// longer in the active name set and have not been updated within the
// retention window. Returns the number of entries removed.
func (r *Registry) CleanupExpiredStates(ctx context.Context) (int, error) {
	keys, err := r.kv.Scan(ctx, stateKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("scan breaker state keys: %w", err)
	}
	members, err := r.kv.SMembers(ctx, namesKey)
	if err != nil {
		return 0, fmt.Errorf("read breaker name set: %w", err)
	}
	active := make(map[string]struct{}, len(members))
	for _, m := range members {
		active[m] = struct{}{}
	}

	removed := 0
	for _, key := range keys {
		name := key[len(stateKeyPrefix):]
		if _, ok := active[name]; ok {
			continue
		}
		raw, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			// Unparseable orphan, drop it.
			_ = r.kv.Delete(ctx, key, metricsKeyPrefix+name)
			removed++
			continue
		}
		if time.Since(snap.UpdatedAt) < expiredStateRetention {
			continue
		}
		if err := r.kv.Delete(ctx, key, metricsKeyPrefix+name); err != nil {
			r.logger.Warn("failed to delete expired breaker state",
				zap.String("breaker", name), zap.Error(err))
			continue
		}
		removed++
		r.logger.Info("removed expired breaker state", zap.String("breaker", name))
	}
	return removed, nil
}

// StartCleanupLoop runs CleanupExpiredStates every interval until the
// context is cancelled or StopCleanupLoop is called. Idempotent.
func (r *Registry) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	if r.cleanupCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cleanupCancel = cancel
	done := make(chan struct{})
	r.cleanupDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.CleanupExpiredStates(loopCtx); err != nil {
					r.logger.Warn("breaker state cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	r.logger.Info("breaker cleanup loop started", zap.Duration("interval", interval))
}

// StopCleanupLoop cancels the cleanup loop and waits for it to exit.
// Idempotent.
func (r *Registry) StopCleanupLoop() {
	r.cleanupMu.Lock()
	cancel := r.cleanupCancel
	done := r.cleanupDone
	r.cleanupCancel = nil
	r.cleanupDone = nil
	r.cleanupMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// persist writes a breaker's snapshot and metrics to the shared store.
// Best effort; the in-memory breaker is authoritative for this process.
func (r *Registry) persist(b *Breaker) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	b.mu.Lock()
	snap := Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastStateChange: b.lastStateChange,
		UpdatedAt:       time.Now(),
	}
	metrics := b.metrics
	b.mu.Unlock()

	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, stateKeyPrefix+b.name, string(stateJSON), 0); err != nil {
		r.logger.Warn("failed to persist breaker state", zap.String("breaker", b.name), zap.Error(err))
		return
	}
	if metricsJSON, err := json.Marshal(metrics); err == nil {
		if err := r.kv.Set(ctx, metricsKeyPrefix+b.name, string(metricsJSON), 0); err != nil {
			r.logger.Warn("failed to persist breaker metrics", zap.String("breaker", b.name), zap.Error(err))
		}
	}
}

// loadSnapshot reads a persisted breaker snapshot.
func (r *Registry) loadSnapshot(ctx context.Context, name string) (Snapshot, error) {
	raw, err := r.kv.Get(ctx, stateKeyPrefix+name)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode breaker snapshot %s: %w", name, err)
	}
	return snap, nil
}

// restore applies a persisted snapshot to a freshly created breaker.
func (r *Registry) restore(b *Breaker, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch snap.State {
	case StateClosed, StateOpen, StateHalfOpen:
		b.state = snap.State
	default:
		return
	}
	b.failureCount = snap.FailureCount
	if !snap.LastStateChange.IsZero() {
		b.lastStateChange = snap.LastStateChange
	}
	// A restored HALF_OPEN breaker has no in-flight trials in this process.
	if b.state == StateHalfOpen {
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	}
}
