package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/coordinator"
	"github.com/nidhogg/overseer/internal/gateway"
	"github.com/nidhogg/overseer/internal/retry"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/workflow"
	"go.uber.org/zap"
)

// flakyAgent fails until the failure budget is spent.
type flakyAgent struct {
	failuresLeft int
}

func (a *flakyAgent) Type() agent.Type { return agent.TypeInputProcessor }

func (a *flakyAgent) Invoke(ctx context.Context, payload map[string]any, sess *session.Session) (*agent.Result, error) {
	if a.failuresLeft > 0 {
		a.failuresLeft--
		return nil, errors.New("validation: scripted failure")
	}
	return &agent.Result{Output: map[string]any{"processed_input": payload["input"]}}, nil
}

func newTestHandler(t *testing.T, failures int) (*Handler, *httptest.Server, *breaker.Registry) {
	t.Helper()
	logger := zap.NewNop()

	agents := agent.NewRegistry(logger)
	agents.Register(&flakyAgent{failuresLeft: failures})

	breakers := breaker.NewRegistry(store.NewMemoryStore(), breaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		RecoveryTimeout:  2 * time.Minute,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}, logger)

	coord := coordinator.New(agents, breakers, coordinator.Config{
		StepTimeout: time.Second,
		GracePeriod: 100 * time.Millisecond,
		Retry:       retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2.0},
	}, logger)

	engine := workflow.NewEngine(coord, store.NewMemoryStore(), time.Minute, logger)
	engine.Register("echo", workflow.Definition{
		Type:  workflow.TypeSequential,
		Steps: []workflow.AgentStep{{Name: "process", AgentType: agent.TypeInputProcessor}},
	})

	h := NewHandler(breakers, engine, coord, agents, nil, gateway.NewGateway(logger), logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts, breakers
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)
	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestExecuteWorkflow(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)

	resp := postJSON(t, ts, "/api/workflows/echo/execute", workflow.Request{
		Payload: map[string]any{"input": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result workflow.RunResult
	decodeJSON(t, resp, &result)
	if result.Status != workflow.StatusCompleted {
		t.Errorf("run status = %s", result.Status)
	}
	if result.Session["processed_input"] != "hello" {
		t.Errorf("session = %v", result.Session)
	}
}

func TestExecuteWorkflowFailedRunStillStructured(t *testing.T) {
	_, ts, _ := newTestHandler(t, 10)

	resp := postJSON(t, ts, "/api/workflows/echo/execute", workflow.Request{
		Payload: map[string]any{"input": "hello"},
	})
	// Failed runs return 200 with the structured outcome.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result workflow.RunResult
	decodeJSON(t, resp, &result)
	if result.Status != workflow.StatusFailed {
		t.Errorf("run status = %s, want %s", result.Status, workflow.StatusFailed)
	}
	if len(result.Errors) == 0 {
		t.Error("failed run carries no errors")
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)
	resp := postJSON(t, ts, "/api/workflows/ghost/execute", workflow.Request{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterWorkflow(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)

	resp := postJSON(t, ts, "/api/workflows/custom", workflow.Definition{
		Type:  workflow.TypeSequential,
		Steps: []workflow.AgentStep{{Name: "only", AgentType: agent.TypeInputProcessor}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	resp = getJSON(t, ts, "/api/workflows")
	var body map[string][]string
	decodeJSON(t, resp, &body)
	found := false
	for _, id := range body["workflows"] {
		if id == "custom" {
			found = true
		}
	}
	if !found {
		t.Errorf("workflows = %v, missing custom", body["workflows"])
	}
}

func TestRegisterInvalidWorkflow(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)
	resp := postJSON(t, ts, "/api/workflows/bad", workflow.Definition{Type: "circular"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	_, ts, breakers := newTestHandler(t, 10)

	// Trip the breaker: threshold is 2, retries are off.
	for i := 0; i < 2; i++ {
		postJSON(t, ts, "/api/workflows/echo/execute", workflow.Request{Payload: map[string]any{"input": "x"}})
	}

	resp := getJSON(t, ts, "/api/breakers/open")
	var open map[string][]string
	decodeJSON(t, resp, &open)
	if len(open["open"]) != 1 || open["open"][0] != string(agent.TypeInputProcessor) {
		t.Fatalf("open breakers = %v", open)
	}

	resp = getJSON(t, ts, "/api/breakers/"+string(agent.TypeInputProcessor))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get breaker status = %d", resp.StatusCode)
	}
	var view struct {
		Name  string        `json:"name"`
		State breaker.State `json:"state"`
	}
	decodeJSON(t, resp, &view)
	if view.State != breaker.StateOpen {
		t.Errorf("breaker state = %s, want open", view.State)
	}

	resp = postJSON(t, ts, "/api/breakers/"+string(agent.TypeInputProcessor)+"/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	b, _ := breakers.Get(string(agent.TypeInputProcessor))
	if b.State() != breaker.StateClosed {
		t.Errorf("breaker not closed after reset")
	}

	resp = getJSON(t, ts, "/api/breakers/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown breaker status = %d, want 404", resp.StatusCode)
	}
}

func TestListAgents(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)
	resp := getJSON(t, ts, "/api/agents")
	var body map[string][]string
	decodeJSON(t, resp, &body)
	if len(body["types"]) != 1 || body["types"][0] != string(agent.TypeInputProcessor) {
		t.Errorf("types = %v", body["types"])
	}
}

func TestRunsUnavailableWithoutArchive(t *testing.T) {
	_, ts, _ := newTestHandler(t, 0)
	resp := getJSON(t, ts, "/api/runs")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestListAlerts(t *testing.T) {
	h, ts, _ := newTestHandler(t, 0)
	h.gw.NotifyAll(context.Background(), &gateway.Alert{Title: "breaker opened"})

	resp := getJSON(t, ts, "/api/alerts")
	var alerts []gateway.Alert
	decodeJSON(t, resp, &alerts)
	if len(alerts) != 1 || alerts[0].Title != "breaker opened" {
		t.Errorf("alerts = %v", alerts)
	}
}
