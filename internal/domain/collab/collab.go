package collab

import (
	"fmt"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// MaxContextChars is the hard cap on code context forwarded with a help
// request, so a single request cannot overwhelm the responder.
const MaxContextChars = 2000

// Request is a help request from one agent, addressed to the router rather
// than to any specific agent (hub-and-spoke: agents hold no handles to each
// other).
type Request struct {
	RequesterAgent string `json:"requester_agent"`
	TaskID         string `json:"task_id,omitempty"`
	Question       string `json:"question"`
	CodeContext    string `json:"code_context,omitempty"`
}

// Validate checks required fields.
func (r *Request) Validate() error {
	if r.RequesterAgent == "" {
		return fmt.Errorf("requester_agent is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("question is required: %w", domain.ErrValidation)
	}
	return nil
}

// TruncateContext enforces the default context cap, marking the cut.
func TruncateContext(ctx string) string {
	return TruncateContextTo(ctx, MaxContextChars)
}

// TruncateContextTo enforces a caller-supplied cap. Non-positive caps fall
// back to MaxContextChars.
func TruncateContextTo(ctx string, max int) string {
	if max <= 0 {
		max = MaxContextChars
	}
	if len(ctx) <= max {
		return ctx
	}
	return ctx[:max] + "\n[context truncated]"
}

// Specialty maps a category of question to the agent that handles it.
type Specialty struct {
	Category string
	AgentID  string
	Keywords []string
}

// DefaultSpecialties is the shipped expertise map. Order matters: the first
// category with the highest keyword hit count wins.
var DefaultSpecialties = []Specialty{
	{Category: "security", AgentID: "security-specialist", Keywords: []string{
		"auth", "authentication", "token", "password", "encrypt", "tls", "vulnerability", "injection", "cve", "secret"}},
	{Category: "backend", AgentID: "backend-specialist", Keywords: []string{
		"api", "endpoint", "database", "sql", "query", "migration", "server", "http", "grpc", "cache"}},
	{Category: "frontend", AgentID: "frontend-specialist", Keywords: []string{
		"css", "react", "component", "render", "browser", "dom", "ui", "layout", "style"}},
	{Category: "infra", AgentID: "infra-specialist", Keywords: []string{
		"docker", "kubernetes", "deploy", "ci", "pipeline", "terraform", "container", "helm"}},
	{Category: "testing", AgentID: "test-specialist", Keywords: []string{
		"test", "coverage", "mock", "fixture", "assert", "flaky", "regression"}},
}

// Route picks the best specialist for a question by keyword hit count over
// the expertise map. Falls back to the generalist when nothing matches.
func Route(question string, specialties []Specialty, fallbackAgent string) (agentID, category string) {
	toks := tokens(question)

	bestScore := 0
	agentID, category = fallbackAgent, "general"
	for _, sp := range specialties {
		score := 0
		for _, kw := range sp.Keywords {
			if toks[kw] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			agentID = sp.AgentID
			category = sp.Category
		}
	}
	return agentID, category
}
