package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus     = "task.status"
	EventStepResult     = "step.result"
	EventGateCreated    = "gate.created"
	EventGateResolved   = "gate.resolved"
	EventCollabAsked    = "collab.asked"
	EventCollabAnswered = "collab.answered"
	EventCollabDeadlock = "collab.deadlock"
)

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID    string  `json:"task_id"`
	AgentID   string  `json:"agent_id"`
	Status    string  `json:"status"`
	StepCount int     `json:"step_count"`
	CostUSD   float64 `json:"cost_usd"`
	Reason    string  `json:"reason,omitempty"`
}

// StepResultEvent is broadcast after each recorded execution step.
type StepResultEvent struct {
	TaskID     string  `json:"task_id"`
	StepIndex  int     `json:"step_index"`
	Tool       string  `json:"tool,omitempty"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// GateEvent is broadcast when an approval gate is created or resolved.
type GateEvent struct {
	GateID  string `json:"gate_id"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Type    string `json:"gate_type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// CollabEvent is broadcast for collaboration routing activity.
type CollabEvent struct {
	ExchangeID     string `json:"exchange_id,omitempty"`
	RequesterAgent string `json:"requester_agent"`
	TargetAgent    string `json:"target_agent"`
	Category       string `json:"category,omitempty"`
	Question       string `json:"question,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
