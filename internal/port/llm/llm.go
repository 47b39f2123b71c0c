// Package llm defines the LLM completion port used for planning and for the
// goal-proximity fallback signal.
package llm

import "context"

// Request is a single completion call.
type Request struct {
	Prompt      string
	Context     string
	Temperature float64
	MaxTokens   int
}

// Completion is the model's answer. Text always holds the raw output;
// CostUSD is the provider-reported spend for the call.
type Completion struct {
	Text    string
	CostUSD float64
}

// Client is the completion port. Implementations must surface timeouts and
// transport errors as returned errors, never panic: the engine converts them
// into failed Results at the step boundary.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
