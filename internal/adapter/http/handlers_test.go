package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	tphttp "github.com/taskpilot/taskpilot/internal/adapter/http"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/llm"
	"github.com/taskpilot/taskpilot/internal/port/messagequeue"
	"github.com/taskpilot/taskpilot/internal/service"
)

// mockStore implements database.Store for handler tests.
type mockStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	gates map[string]*gate.Gate
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks: make(map[string]*task.Task),
		gates: make(map[string]*gate.Gate),
	}
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status, failReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.Status = status
	t.FailReason = failReason
	return nil
}

func (m *mockStore) UpdateTaskCounters(_ context.Context, id string, stepCount int, costUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.StepCount = stepCount
		t.CostUSD = costUSD
	}
	return nil
}

func (m *mockStore) ListUnfinishedTasks(_ context.Context) ([]task.Task, error) {
	return nil, nil
}

func (m *mockStore) AppendStep(_ context.Context, _ *task.Step) error { return nil }

func (m *mockStore) ListSteps(_ context.Context, _ string) ([]task.Step, error) {
	return nil, nil
}

func (m *mockStore) CreateGate(_ context.Context, g *gate.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Status = gate.StatusPending
	cp := *g
	m.gates[g.ID] = &cp
	return nil
}

func (m *mockStore) GetGate(_ context.Context, id string) (*gate.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", id, domain.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *mockStore) GetPendingGateByTask(_ context.Context, taskID string) (*gate.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gates {
		if g.TaskID == taskID && g.Status == gate.StatusPending {
			cp := *g
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("pending gate for task %s: %w", taskID, domain.ErrNotFound)
}

func (m *mockStore) ListGates(_ context.Context, status gate.Status) ([]gate.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gate.Gate
	for _, g := range m.gates {
		if status == "" || g.Status == status {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *mockStore) ResolveGate(_ context.Context, id string, approved bool, feedback string) (*gate.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", id, domain.ErrNotFound)
	}
	if g.Status != gate.StatusPending {
		return nil, fmt.Errorf("gate %s already resolved: %w", id, domain.ErrConflict)
	}
	if approved {
		g.Status = gate.StatusApproved
	} else {
		g.Status = gate.StatusDenied
	}
	g.Feedback = feedback
	now := time.Now()
	g.ResolvedAt = &now
	cp := *g
	return &cp, nil
}

type mockQueue struct{}

func (mockQueue) Publish(_ context.Context, _ string, _ []byte) error { return nil }
func (mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (mockQueue) Close() error { return nil }

type mockHub struct{}

func (mockHub) BroadcastEvent(_ context.Context, _ string, _ any) {}

type mockExecutor struct{}

func (mockExecutor) Execute(_ context.Context, _ task.Action) (*task.Result, error) {
	return &task.Result{Success: true, Output: "noop"}, nil
}

type mockLLM struct{}

func (mockLLM) Complete(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	return &llm.Completion{Text: `{"progress_detected": true, "goal_met": true, "confidence": 0.9, "reasoning": "ok"}`}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *mockStore) {
	t.Helper()
	store := newMockStore()
	cfg := config.Defaults()

	gates := service.NewGateService(store, mockHub{})
	progress := service.NewProgressService(mockLLM{}, nil)
	collab := service.NewCollabService(mockQueue{}, mockHub{}, gates, cfg.Collab)
	engine := service.NewEngineService(store, mockExecutor{}, mockLLM{}, progress, gates, mockQueue{}, mockHub{}, nil, cfg.Engine)

	h := &tphttp.Handlers{Engine: engine, Gates: gates, Collab: collab}
	r := chi.NewRouter()
	tphttp.MountRoutes(r, h)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestListTasksEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/tasks", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var tasks []task.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tasks == nil {
		t.Error("empty task list decoded as null, want []")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing goal.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/tasks", `{"agent_id": "agent-1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	// Malformed JSON.
	resp2 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/tasks", `{"agent_id": `)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", resp2.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/tasks/"+uuid.NewString(), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateLifecycleOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)

	g := &gate.Gate{TaskID: "task-1", AgentID: "agent-1", Type: gate.TypeLoopDetected, Reason: "stuck"}
	if err := store.CreateGate(context.Background(), g); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/gates/"+g.ID+"/approve", `{"feedback": "try the other file"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}
	var resolved gate.Gate
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		t.Fatal(err)
	}
	if resolved.Status != gate.StatusApproved || resolved.Feedback != "try the other file" {
		t.Errorf("resolved = %s/%q", resolved.Status, resolved.Feedback)
	}

	// A second resolution conflicts.
	resp2 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/gates/"+g.ID+"/deny", `{}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", resp2.StatusCode)
	}
}

func TestListGatesRejectsUnknownStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/gates?status=bogus", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAskCollabOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/collab/ask",
		`{"requester_agent": "agent-1", "question": "is this sql migration reversible?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body struct {
		Target string `json:"target_agent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Target != "backend-specialist" {
		t.Errorf("target = %s, want backend-specialist", body.Target)
	}

	resp2 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/collab/ask", `{"question": "no requester"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("missing requester status = %d, want 400", resp2.StatusCode)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body["version"], "0.") {
		t.Errorf("version = %q", body["version"])
	}
}
