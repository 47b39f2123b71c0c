// Package gate defines the human-approval gate entity and its lifecycle.
package gate

import "time"

// Type classifies why a gate was raised.
type Type string

const (
	TypeLoopDetected          Type = "loop_detected"
	TypeLowConfidence         Type = "low_confidence"
	TypeManual                Type = "manual"
	TypeCollaborationDeadlock Type = "collaboration_deadlock"
)

// Status is the gate lifecycle state. pending -> {approved, denied}, terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Gate is a durable record of an escalation awaiting human resolution.
// It is mutated only through resolution; resolution is terminal.
type Gate struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id"`
	Type       Type       `json:"type"`
	Reason     string     `json:"reason"`
	Context    string     `json:"context,omitempty"`
	Status     Status     `json:"status"`
	Feedback   string     `json:"feedback,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the gate has reached a terminal state.
func (g *Gate) Resolved() bool {
	return g.Status == StatusApproved || g.Status == StatusDenied
}

// CreateRequest holds the fields needed to open a gate.
type CreateRequest struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Type    Type   `json:"type"`
	Reason  string `json:"reason"`
	Context string `json:"context,omitempty"`
}

// Resolution is the outcome delivered to a blocked task worker.
type Resolution struct {
	GateID   string
	Approved bool
	Feedback string
}
