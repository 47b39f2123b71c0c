package messagequeue

// Subjects for the collaboration and task-event message plane. Collaboration
// is hub-and-spoke: agents publish requests to the router's subject and
// receive work on their own inbox subject, never addressing each other.
const (
	SubjectCollabRequest  = "collab.request"  // router inbox
	SubjectCollabDispatch = "collab.dispatch" // + "." + target agent ID
	SubjectCollabResponse = "collab.response" // responses back to the router
	SubjectTaskEvents     = "tasks.events"    // task lifecycle fan-out

	// SubjectToolExec is the request-reply subject for the execution plane.
	// Deliberately outside the JetStream stream: replies must not be persisted
	// or redelivered.
	SubjectToolExec = "exec.tools"
)

// CollabDispatchPayload is sent to the chosen specialist's inbox.
type CollabDispatchPayload struct {
	ExchangeID     string `json:"exchange_id"`
	RequesterAgent string `json:"requester_agent"`
	TargetAgent    string `json:"target_agent"`
	Category       string `json:"category"`
	Question       string `json:"question"`
	CodeContext    string `json:"code_context,omitempty"`
}

// CollabResponsePayload is the specialist's answer.
type CollabResponsePayload struct {
	ExchangeID  string `json:"exchange_id"`
	TargetAgent string `json:"target_agent"`
	Response    string `json:"response"`
}

// TaskEventPayload is the task lifecycle fan-out record.
type TaskEventPayload struct {
	TaskID    string  `json:"task_id"`
	AgentID   string  `json:"agent_id"`
	Status    string  `json:"status"`
	StepCount int     `json:"step_count"`
	CostUSD   float64 `json:"cost_usd"`
	Reason    string  `json:"reason,omitempty"`
}
