// Package task defines the Task domain entity and its step history.
package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusEscalated Status = "escalated"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// AutonomyLevel controls how much confidence the agent needs before it is
// allowed to continue without human review.
type AutonomyLevel string

const (
	AutonomyLow    AutonomyLevel = "low"
	AutonomyMedium AutonomyLevel = "medium"
	AutonomyHigh   AutonomyLevel = "high"
)

// Budget caps a task's resource consumption. A zero value means "no limit"
// for that dimension.
type Budget struct {
	MaxSteps   int           `json:"max_steps"`
	MaxCostUSD float64       `json:"max_cost_usd"`
	MaxElapsed time.Duration `json:"max_elapsed"`
}

// Task represents a unit of work driven by the execution engine.
// The step history is append-only; counters are updated after every step.
type Task struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Goal        string        `json:"goal"`
	Status      Status        `json:"status"`
	Autonomy    AutonomyLevel `json:"autonomy"`
	Budget      Budget        `json:"budget"`
	Steps       []Step        `json:"steps,omitempty"`
	StepCount   int           `json:"step_count"`
	CostUSD     float64       `json:"cost_usd"`
	FailReason  string        `json:"fail_reason,omitempty"`
	Version     int           `json:"version"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Step is one loop iteration: the planned action, its execution result and
// the progress verdict. Immutable once appended.
type Step struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	Index      int              `json:"index"`
	Action     Action           `json:"action"`
	Result     Result           `json:"result"`
	Validation ValidationResult `json:"validation"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ActionKind distinguishes concrete tool invocations from LLM reasoning turns.
type ActionKind string

const (
	ActionTool   ActionKind = "tool"
	ActionReason ActionKind = "reason"
)

// Action describes what the agent intends to do next.
type Action struct {
	Kind      ActionKind        `json:"kind"`
	Tool      string            `json:"tool,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Rationale string            `json:"rationale,omitempty"`
}

// Signature returns a structural fingerprint of the action. The engine uses it
// to enforce replanning: a retry whose signature matches the action that just
// failed is rejected and planned again.
func (a Action) Signature() string {
	sig := string(a.Kind) + "|" + a.Tool
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sig += "|" + k + "=" + a.Params[k]
	}
	return sig
}

// TestReport carries test metrics from a tool execution, when the workspace
// produces them. It is the highest-priority progress signal.
type TestReport struct {
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Coverage float64 `json:"coverage"`
}

// Result is the outcome of executing an Action.
type Result struct {
	Success   bool        `json:"success"`
	Output    string      `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	Location  string      `json:"location,omitempty"`
	CostUSD   float64     `json:"cost_usd"`
	Uncertain bool        `json:"uncertain,omitempty"`
	Tests     *TestReport `json:"tests,omitempty"`
	Artifacts []string    `json:"artifacts,omitempty"`
}

// Source identifies which signal produced a ValidationResult.
type Source string

const (
	SourceTests     Source = "tests"
	SourceArtifacts Source = "artifacts"
	SourceLLM       Source = "llm"

	// SourceEngine marks verdicts the engine synthesizes itself, such as the
	// no-progress record written for a failed action.
	SourceEngine Source = "engine"
)

// ValidationResult is the progress verdict for a step.
type ValidationResult struct {
	ProgressDetected bool    `json:"progress_detected"`
	GoalMet          bool    `json:"goal_met"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	Source           Source  `json:"source"`
}

// CreateRequest holds the fields needed to create and start a task.
type CreateRequest struct {
	AgentID  string        `json:"agent_id"`
	Goal     string        `json:"goal"`
	Autonomy AutonomyLevel `json:"autonomy,omitempty"`
	Budget   Budget        `json:"budget,omitempty"`
}

// Validate checks required fields and normalizes defaults.
func (r *CreateRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if r.Goal == "" {
		return fmt.Errorf("goal is required: %w", domain.ErrValidation)
	}
	switch r.Autonomy {
	case AutonomyLow, AutonomyMedium, AutonomyHigh:
	case "":
		r.Autonomy = AutonomyMedium
	default:
		return fmt.Errorf("unknown autonomy level %q: %w", r.Autonomy, domain.ErrValidation)
	}
	return nil
}
