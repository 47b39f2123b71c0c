package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/steps", h.ListTaskSteps)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Gates
		r.Get("/gates", h.ListGates)
		r.Get("/gates/{id}", h.GetGate)
		r.Post("/gates/{id}/approve", h.ApproveGate)
		r.Post("/gates/{id}/deny", h.DenyGate)

		// Collaboration
		r.Post("/collab/ask", h.AskCollab)
	})
}
