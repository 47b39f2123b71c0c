package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/llm"
	"github.com/taskpilot/taskpilot/internal/service"
)

// failingLLM always errors, for exercising the degradation path.
type failingLLM struct{}

func (failingLLM) Complete(context.Context, llm.Request) (*llm.Completion, error) {
	return nil, errors.New("proxy unavailable")
}

func TestProgressPrefersTestMetricsOverLLM(t *testing.T) {
	mock := &mockLLM{}
	svc := service.NewProgressService(mock, nil)
	tk := &task.Task{ID: "t1", Goal: "fix the suite"}

	res := &task.Result{
		Success: true,
		Tests:   &task.TestReport{Passed: 12, Failed: 0},
	}
	v := svc.Evaluate(context.Background(), tk, nil, res)

	if v.Source != task.SourceTests || !v.GoalMet {
		t.Errorf("verdict = %+v, want goal met from test metrics", v)
	}
	if len(mock.prompts) != 0 {
		t.Error("LLM consulted despite test metrics being available")
	}
}

func TestProgressArtifactsBeforeLLM(t *testing.T) {
	mock := &mockLLM{}
	svc := service.NewProgressService(mock, nil)
	tk := &task.Task{ID: "t1", Goal: "generate the report"}

	prev := &task.Step{Result: task.Result{Artifacts: []string{"a.txt"}}}
	res := &task.Result{Success: true, Artifacts: []string{"a.txt", "b.txt"}}
	v := svc.Evaluate(context.Background(), tk, prev, res)

	if v.Source != task.SourceArtifacts || !v.ProgressDetected {
		t.Errorf("verdict = %+v, want weak artifact progress", v)
	}
	if len(mock.prompts) != 0 {
		t.Error("LLM consulted despite artifact signal being available")
	}
}

func TestProgressLLMFallbackParsesFencedJSON(t *testing.T) {
	mock := &mockLLM{}
	mock.pushVerdict("```json\n{\"progress_detected\": true, \"goal_met\": false, \"confidence\": 1.7, \"reasoning\": \"looks close\"}\n```")
	svc := service.NewProgressService(mock, nil)
	tk := &task.Task{ID: "t1", Goal: "refactor"}

	v := svc.Evaluate(context.Background(), tk, nil, &task.Result{Success: true, Output: "did things"})

	if v.Source != task.SourceLLM || !v.ProgressDetected {
		t.Errorf("verdict = %+v, want LLM progress", v)
	}
	if v.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", v.Confidence)
	}
}

func TestProgressLLMFailureDegradesInsteadOfErroring(t *testing.T) {
	svc := service.NewProgressService(failingLLM{}, nil)
	tk := &task.Task{ID: "t1", Goal: "refactor"}

	v := svc.Evaluate(context.Background(), tk, nil, &task.Result{Success: true, Output: "did things"})

	if v.GoalMet || v.ProgressDetected {
		t.Errorf("verdict = %+v, want neutral verdict", v)
	}
	if v.Confidence != 0.1 || v.Source != task.SourceLLM {
		t.Errorf("verdict = %+v, want low-confidence LLM verdict", v)
	}
}

func TestProgressUnparseableVerdictDegrades(t *testing.T) {
	mock := &mockLLM{}
	mock.pushVerdict("I think it went well! progress_detected for sure.")
	svc := service.NewProgressService(mock, nil)
	tk := &task.Task{ID: "t1", Goal: "refactor"}

	v := svc.Evaluate(context.Background(), tk, nil, &task.Result{Success: true, Output: "hmm"})

	if v.Confidence != 0.1 || v.GoalMet {
		t.Errorf("verdict = %+v, want neutral low-confidence verdict", v)
	}
}
