package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/llm"
)

// planAttempts bounds how often the planner may return the same structural
// action before the engine gives up on replanning.
const planAttempts = 3

// plan asks the model for the next action. When forbidden is non-empty the
// planner is replanning after a failure: an action with the same structural
// signature as the one that just failed is rejected and planned again.
// Returns the accumulated planning cost alongside the action.
func (s *EngineService) plan(ctx context.Context, t *task.Task, prev *task.Step, feedback []string, forbidden string) (*task.Action, float64, error) {
	var cost float64
	hint := ""
	for attempt := 0; attempt < planAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PlannerModelTimeout)
		completion, err := s.llm.Complete(callCtx, llm.Request{
			Prompt:      buildPlanPrompt(t, prev, feedback, forbidden, hint),
			Temperature: 0.2,
		})
		cancel()
		if err != nil {
			return nil, cost, fmt.Errorf("planner call: %w", err)
		}
		cost += completion.CostUSD

		action, err := parseAction(completion.Text)
		if err != nil {
			hint = "Your previous reply was not a valid action. " + err.Error()
			continue
		}
		if forbidden != "" && action.Signature() == forbidden {
			hint = "You proposed the exact action that just failed. Choose a different tool, different parameters, or a reasoning step."
			continue
		}
		return action, cost, nil
	}
	if forbidden != "" {
		return nil, cost, fmt.Errorf("planner kept proposing the failed action after %d attempts", planAttempts)
	}
	return nil, cost, fmt.Errorf("planner produced no valid action after %d attempts", planAttempts)
}

func buildPlanPrompt(t *task.Task, prev *task.Step, feedback []string, forbidden, hint string) string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent working toward a goal, one action at a time.\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(t.Goal)
	b.WriteString("\n")

	if prev != nil {
		b.WriteString("\nPrevious step:\n")
		fmt.Fprintf(&b, "action: %s %s\n", prev.Action.Kind, prev.Action.Tool)
		if prev.Result.Success {
			fmt.Fprintf(&b, "result: success\n%s\n", prev.Result.Output)
		} else {
			fmt.Fprintf(&b, "result: failed\n%s\n", prev.Result.Error)
		}
		if prev.Validation.Reasoning != "" {
			fmt.Fprintf(&b, "assessment: %s\n", prev.Validation.Reasoning)
		}
	}

	if len(feedback) > 0 {
		b.WriteString("\nHuman guidance (follow it):\n")
		for _, f := range feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}

	if forbidden != "" {
		b.WriteString("\nThe last action failed. Propose something structurally different: another tool, other parameters, or a reasoning step first.\n")
	}
	if hint != "" {
		b.WriteString("\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}

	b.WriteString("\nReply with a single JSON object: ")
	b.WriteString(`{"kind": "tool"|"reason", "tool": string, "params": {string: string}, "rationale": string}`)
	return b.String()
}

// parseAction extracts the planned action from model output.
func parseAction(text string) (*task.Action, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object found")
	}

	var parsed struct {
		Kind      string            `json:"kind"`
		Tool      string            `json:"tool"`
		Params    map[string]string `json:"params"`
		Rationale string            `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("invalid action JSON: %v", err)
	}

	kind := task.ActionKind(parsed.Kind)
	switch kind {
	case task.ActionTool, task.ActionReason:
	case "":
		if parsed.Tool != "" {
			kind = task.ActionTool
		} else {
			kind = task.ActionReason
		}
	default:
		return nil, fmt.Errorf("unknown action kind %q", parsed.Kind)
	}
	if kind == task.ActionTool && parsed.Tool == "" {
		return nil, fmt.Errorf("tool action without a tool name")
	}

	return &task.Action{
		Kind:      kind,
		Tool:      parsed.Tool,
		Params:    parsed.Params,
		Rationale: parsed.Rationale,
	}, nil
}
