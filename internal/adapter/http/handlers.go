package http

import (
	"net/http"

	"github.com/taskpilot/taskpilot/internal/domain/collab"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Engine *service.EngineService
	Gates  *service.GateService
	Collab *service.CollabService
}

// --- Tasks ---

// CreateTask creates and starts a task.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	t, err := h.Engine.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "task not created")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask returns a task with its step history.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks returns all tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Engine.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks not listed")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListTaskSteps returns the append-only step history of a task.
func (h *Handlers) ListTaskSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.Engine.Steps(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if steps == nil {
		steps = []task.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// CancelTask requests cooperative cancellation of a running task.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- Gates ---

// ListGates returns gates, optionally filtered by ?status=.
func (h *Handlers) ListGates(w http.ResponseWriter, r *http.Request) {
	status := gate.Status(r.URL.Query().Get("status"))
	switch status {
	case "", gate.StatusPending, gate.StatusApproved, gate.StatusDenied:
	default:
		writeError(w, http.StatusBadRequest, "unknown gate status")
		return
	}
	gates, err := h.Gates.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err, "gates not listed")
		return
	}
	if gates == nil {
		gates = []gate.Gate{}
	}
	writeJSON(w, http.StatusOK, gates)
}

// GetGate returns a single gate.
func (h *Handlers) GetGate(w http.ResponseWriter, r *http.Request) {
	g, err := h.Gates.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "gate not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type resolveGateRequest struct {
	Feedback string `json:"feedback"`
}

// ApproveGate resolves a pending gate as approved.
func (h *Handlers) ApproveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, true)
}

// DenyGate resolves a pending gate as denied.
func (h *Handlers) DenyGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, false)
}

func (h *Handlers) resolveGate(w http.ResponseWriter, r *http.Request, approved bool) {
	req, ok := readJSON[resolveGateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	g, err := h.Gates.Resolve(r.Context(), urlParam(r, "id"), approved, req.Feedback)
	if err != nil {
		writeDomainError(w, err, "gate not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- Collaboration ---

// AskCollab routes a help request to the best-matching specialist.
func (h *Handlers) AskCollab(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[collab.Request](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	ex, err := h.Collab.Ask(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "question not routed")
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}
