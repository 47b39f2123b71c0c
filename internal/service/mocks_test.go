package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/llm"
	"github.com/taskpilot/taskpilot/internal/port/messagequeue"
)

// --- Store mock ---

type mockStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	steps map[string][]task.Step
	gates map[string]*gate.Gate
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks: make(map[string]*task.Task),
		steps: make(map[string][]task.Step),
		gates: make(map[string]*gate.Gate),
	}
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	t.StartedAt = time.Now()
	t.CreatedAt = time.Now()
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
	t.Version++
	return nil
}

func (m *mockStore) UpdateTaskCounters(_ context.Context, id string, stepCount int, costUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.StepCount = stepCount
	t.CostUSD = costUSD
	return nil
}

func (m *mockStore) ListUnfinishedTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusRunning, task.StatusRetrying, task.StatusEscalated:
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) AppendStep(_ context.Context, s *task.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now()
	m.steps[s.TaskID] = append(m.steps[s.TaskID], *s)
	return nil
}

func (m *mockStore) ListSteps(_ context.Context, taskID string) ([]task.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Step(nil), m.steps[taskID]...), nil
}

func (m *mockStore) CreateGate(_ context.Context, g *gate.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.gates {
		if existing.TaskID == g.TaskID && existing.Status == gate.StatusPending {
			return fmt.Errorf("pending gate exists for task %s: %w", g.TaskID, domain.ErrConflict)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Status = gate.StatusPending
	g.CreatedAt = time.Now()
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

func (m *mockStore) gateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gates)
}

// --- Queue mock ---

type published struct {
	subject string
	data    []byte
}

type mockQueue struct {
	mu       sync.Mutex
	messages []published
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{subject: subject, data: data})
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) bySubject(subject string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, msg := range m.messages {
		if msg.subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// --- Broadcaster mock ---

type mockHub struct {
	mu     sync.Mutex
	events []string
}

func (m *mockHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

// --- Executor mock ---

type mockExecutor struct {
	mu      sync.Mutex
	results []*task.Result
	errs    []error
	calls   int
}

// push queues one execution outcome. When the queue runs dry the last
// outcome repeats.
func (m *mockExecutor) push(res *task.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	m.errs = append(m.errs, err)
}

func (m *mockExecutor) Execute(_ context.Context, _ task.Action) (*task.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.results) == 0 {
		return &task.Result{Success: true, Output: "noop"}, nil
	}
	i := m.calls
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	m.calls++
	return m.results[i], m.errs[i]
}

// --- LLM mock ---

// mockLLM answers planner prompts with a fresh tool action each call and
// progress prompts from a scripted verdict queue.
type mockLLM struct {
	mu       sync.Mutex
	planned  int
	verdicts []string
	prompts  []string
}

func (m *mockLLM) pushVerdict(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, v)
}

func (m *mockLLM) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req.Prompt)

	if strings.Contains(req.Prompt, "progress_detected") {
		if len(m.verdicts) == 0 {
			return &llm.Completion{Text: `{"progress_detected": true, "goal_met": false, "confidence": 0.8, "reasoning": "default"}`}, nil
		}
		v := m.verdicts[0]
		if len(m.verdicts) > 1 {
			m.verdicts = m.verdicts[1:]
		}
		return &llm.Completion{Text: v}, nil
	}

	m.planned++
	text := fmt.Sprintf(`{"kind": "tool", "tool": "patch", "params": {"n": "%d"}, "rationale": "next step"}`, m.planned)
	return &llm.Completion{Text: text}, nil
}

func (m *mockLLM) sawPrompt(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}
