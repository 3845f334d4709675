package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/guard"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/store"
	"go.uber.org/zap"
)

// fakeDispatcher scripts per-agent-type behavior without any breaker or
// retry machinery in the way.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   map[agent.Type]int
	handler func(agentType agent.Type, payload map[string]any, call int) (*agent.Result, error)
}

func newFakeDispatcher(h func(agentType agent.Type, payload map[string]any, call int) (*agent.Result, error)) *fakeDispatcher {
	return &fakeDispatcher{calls: make(map[agent.Type]int), handler: h}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agentType agent.Type, payload map[string]any, sess *session.Session) (*agent.Result, error) {
	d.mu.Lock()
	d.calls[agentType]++
	call := d.calls[agentType]
	d.mu.Unlock()

	return d.handler(agentType, payload, call)
}

func newTestEngine(t *testing.T, d Dispatcher) *Engine {
	t.Helper()
	return NewEngine(d, store.NewMemoryStore(), time.Minute, zap.NewNop())
}

func sequentialDef() Definition {
	return Definition{
		Type: TypeSequential,
		Steps: []AgentStep{
			{Name: "process", AgentType: agent.TypeInputProcessor},
			{Name: "build", AgentType: agent.TypeWorldBuilder},
			{Name: "narrate", AgentType: agent.TypeNarrativeGenerator},
		},
	}
}

func TestSequentialRunCompletes(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		return &agent.Result{Output: map[string]any{string(at): "done"}}, nil
	})
	e := newTestEngine(t, d)
	if err := e.Register("turn", sequentialDef()); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := e.Execute(context.Background(), "turn", Request{Payload: map[string]any{"input": "go north"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(res.Steps))
	}
	for i, want := range []string{"process", "build", "narrate"} {
		if res.Steps[i].Name != want || res.Steps[i].Status != StepSuccess {
			t.Errorf("step %d = %+v, want %s success", i, res.Steps[i], want)
		}
	}
	// Each step's output was merged into the shared session.
	if res.Session[string(agent.TypeWorldBuilder)] != "done" {
		t.Errorf("session = %v", res.Session)
	}
}

func TestSequentialRunAbortsOnFailure(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		if at == agent.TypeWorldBuilder {
			return nil, errors.New("graph unreachable")
		}
		return &agent.Result{Output: map[string]any{}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("turn", sequentialDef())

	res, err := e.Execute(context.Background(), "turn", Request{})
	if !errors.Is(err, ErrWorkflowAborted) {
		t.Fatalf("err = %v, want ErrWorkflowAborted", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	wantStatuses := []StepStatus{StepSuccess, StepFailure, StepNotAttempted}
	if len(res.Steps) != len(wantStatuses) {
		t.Fatalf("steps = %+v", res.Steps)
	}
	for i, want := range wantStatuses {
		if res.Steps[i].Status != want {
			t.Errorf("step %d status = %s, want %s", i, res.Steps[i].Status, want)
		}
	}
	// The never-dispatched step must not have been invoked.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls[agent.TypeNarrativeGenerator] != 0 {
		t.Error("step after the failure was dispatched")
	}
}

func TestParallelRunPartialCompletion(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		if at == agent.TypeNarrativeGenerator {
			return nil, &guard.TimeoutError{Timeout: time.Second}
		}
		return &agent.Result{Output: map[string]any{string(at): "ok"}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("refresh", Definition{
		Type: TypeParallel,
		Steps: []AgentStep{
			{Name: "build", AgentType: agent.TypeWorldBuilder},
			{Name: "narrate", AgentType: agent.TypeNarrativeGenerator},
		},
	})

	res, err := e.Execute(context.Background(), "refresh", Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusPartiallyCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusPartiallyCompleted)
	}
	statuses := map[string]StepStatus{}
	for _, s := range res.Steps {
		statuses[s.Name] = s.Status
	}
	if statuses["build"] != StepSuccess {
		t.Errorf("build status = %s", statuses["build"])
	}
	if statuses["narrate"] != StepTimeout {
		t.Errorf("narrate status = %s, want %s", statuses["narrate"], StepTimeout)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want 1 entry", res.Errors)
	}
}

func TestParallelRunAllFail(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		return nil, errors.New("down")
	})
	e := newTestEngine(t, d)
	e.Register("refresh", Definition{
		Type: TypeParallel,
		Steps: []AgentStep{
			{Name: "a", AgentType: agent.TypeWorldBuilder},
			{Name: "b", AgentType: agent.TypeNarrativeGenerator},
		},
	})

	res, err := e.Execute(context.Background(), "refresh", Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
}

func TestLoopRunConverges(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		return &agent.Result{Output: map[string]any{
			"tick":      float64(call),
			"converged": call >= 3,
		}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("settle", Definition{
		Type:          TypeLoop,
		MaxIterations: 10,
		Steps:         []AgentStep{{Name: "advance", AgentType: agent.TypeWorldBuilder}},
	})

	res, err := e.Execute(context.Background(), "settle", Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("iterations = %d, want 3", len(res.Steps))
	}
	for i, s := range res.Steps {
		if s.Iteration != i+1 {
			t.Errorf("step %d iteration = %d", i, s.Iteration)
		}
	}
	if res.Session["tick"] != 3.0 {
		t.Errorf("session tick = %v, want 3", res.Session["tick"])
	}
}

func TestLoopRunFeedsOutputForward(t *testing.T) {
	var seen []any
	var mu sync.Mutex
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		mu.Lock()
		seen = append(seen, payload["tick"])
		mu.Unlock()
		return &agent.Result{Output: map[string]any{"tick": call}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("settle", Definition{
		Type:          TypeLoop,
		MaxIterations: 3,
		Steps:         []AgentStep{{Name: "advance", AgentType: agent.TypeWorldBuilder}},
	})

	if _, err := e.Execute(context.Background(), "settle", Request{Payload: map[string]any{"tick": 0}}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []any{0, 1, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("iteration %d saw tick %v, want %v", i+1, seen[i], want[i])
		}
	}
}

func TestLoopRunStopsAtMaxIterations(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		return &agent.Result{Output: map[string]any{}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("settle", Definition{
		Type:          TypeLoop,
		MaxIterations: 4,
		Steps:         []AgentStep{{Name: "advance", AgentType: agent.TypeWorldBuilder}},
	})

	res, err := e.Execute(context.Background(), "settle", Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Steps) != 4 {
		t.Errorf("iterations = %d, want 4", len(res.Steps))
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
}

func TestEntrypointFallback(t *testing.T) {
	var dispatched agent.Type
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		dispatched = at
		return &agent.Result{Output: map[string]any{}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("flex", Definition{
		Type:  TypeSequential,
		Steps: []AgentStep{{Name: "only"}},
	})

	_, err := e.Execute(context.Background(), "flex", Request{Entrypoint: agent.TypeInputProcessor})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if dispatched != agent.TypeInputProcessor {
		t.Errorf("dispatched = %s, want entrypoint fallback", dispatched)
	}
}

func TestStepConfigOverridesPayload(t *testing.T) {
	var seen map[string]any
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		seen = payload
		return &agent.Result{Output: map[string]any{}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("cfg", Definition{
		Type: TypeSequential,
		Steps: []AgentStep{{
			Name:      "only",
			AgentType: agent.TypeInputProcessor,
			Config:    map[string]any{"mode": "strict"},
		}},
	})

	_, err := e.Execute(context.Background(), "cfg", Request{Payload: map[string]any{"mode": "loose", "input": "hi"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen["mode"] != "strict" || seen["input"] != "hi" {
		t.Errorf("payload = %v", seen)
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, newFakeDispatcher(nil))
	if _, err := e.Execute(context.Background(), "nope", Request{}); err == nil {
		t.Fatal("expected error for unregistered workflow")
	}
}

func TestRunArchivedToSink(t *testing.T) {
	d := newFakeDispatcher(func(at agent.Type, payload map[string]any, call int) (*agent.Result, error) {
		return &agent.Result{Output: map[string]any{}}, nil
	})
	e := newTestEngine(t, d)
	e.Register("turn", sequentialDef())

	var mu sync.Mutex
	var archived *RunResult
	e.SetRunSink(runSinkFunc(func(ctx context.Context, result *RunResult) error {
		mu.Lock()
		archived = result
		mu.Unlock()
		return nil
	}))

	res, err := e.Execute(context.Background(), "turn", Request{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if archived == nil || archived.RunID != res.RunID {
		t.Errorf("archived = %+v, want run %s", archived, res.RunID)
	}
}

type runSinkFunc func(ctx context.Context, result *RunResult) error

func (f runSinkFunc) SaveRun(ctx context.Context, result *RunResult) error { return f(ctx, result) }

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"valid sequential", sequentialDef(), false},
		{"unknown type", Definition{Type: "circular", Steps: []AgentStep{{Name: "x"}}}, true},
		{"no steps", Definition{Type: TypeSequential}, true},
		{"unnamed step", Definition{Type: TypeSequential, Steps: []AgentStep{{AgentType: agent.TypeWorldBuilder}}}, true},
		{"bad agent type", Definition{Type: TypeSequential, Steps: []AgentStep{{Name: "x", AgentType: "oracle"}}}, true},
		{"loop without iterations", Definition{Type: TypeLoop, Steps: []AgentStep{{Name: "x"}}}, true},
		{"loop with two steps", Definition{Type: TypeLoop, MaxIterations: 2, Steps: []AgentStep{{Name: "x"}, {Name: "y"}}}, true},
		{"valid loop", Definition{Type: TypeLoop, MaxIterations: 2, Steps: []AgentStep{{Name: "x"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	e := newTestEngine(t, newFakeDispatcher(nil))
	if err := e.Register("", sequentialDef()); err == nil {
		t.Error("expected error for empty id")
	}
	if err := e.Register("bad", Definition{Type: TypeSequential}); err == nil {
		t.Error("expected error for invalid definition")
	}
	if got := len(e.Definitions()); got != 0 {
		t.Errorf("definitions = %d, want 0", got)
	}
}
