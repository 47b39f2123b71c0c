// Package progress holds the quantified progress signals: test-metric and
// artifact-metric comparison. Both are pure; the LLM fallback lives in the
// service layer because it needs a network collaborator.
package progress

import (
	"fmt"

	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// CompareTests evaluates before/after test metrics. Improvement in pass rate
// or coverage is progress; regression is a confident "no progress" verdict.
// Returns ok=false when either report is missing, so the caller falls through
// to the next signal.
func CompareTests(before, after *task.TestReport) (task.ValidationResult, bool) {
	if after == nil {
		return task.ValidationResult{}, false
	}
	if before == nil {
		// First report: passing tests at all is a progress baseline.
		v := task.ValidationResult{
			ProgressDetected: after.Passed > 0,
			Confidence:       0.8,
			Reasoning:        fmt.Sprintf("first test report: %d passed, %d failed", after.Passed, after.Failed),
			Source:           task.SourceTests,
		}
		if after.Failed == 0 && after.Passed > 0 {
			v.GoalMet = true
			v.Confidence = 0.9
			v.Reasoning = fmt.Sprintf("all %d tests passing", after.Passed)
		}
		return v, true
	}

	switch {
	case after.Failed == 0 && after.Passed > 0:
		return task.ValidationResult{
			ProgressDetected: true,
			GoalMet:          true,
			Confidence:       0.95,
			Reasoning:        fmt.Sprintf("all %d tests passing", after.Passed),
			Source:           task.SourceTests,
		}, true
	case passRate(after) > passRate(before) || after.Coverage > before.Coverage:
		return task.ValidationResult{
			ProgressDetected: true,
			Confidence:       0.85,
			Reasoning: fmt.Sprintf("pass rate %.0f%% -> %.0f%%, coverage %.1f%% -> %.1f%%",
				passRate(before)*100, passRate(after)*100, before.Coverage, after.Coverage),
			Source: task.SourceTests,
		}, true
	case passRate(after) < passRate(before):
		return task.ValidationResult{
			ProgressDetected: false,
			Confidence:       0.9,
			Reasoning: fmt.Sprintf("regression: pass rate %.0f%% -> %.0f%%",
				passRate(before)*100, passRate(after)*100),
			Source: task.SourceTests,
		}, true
	default:
		return task.ValidationResult{
			ProgressDetected: false,
			Confidence:       0.7,
			Reasoning:        "test metrics unchanged",
			Source:           task.SourceTests,
		}, true
	}
}

// CompareArtifacts evaluates workspace artifact lists between steps. New or
// modified artifacts are a weak progress signal only.
func CompareArtifacts(before, after []string) (task.ValidationResult, bool) {
	if len(after) == 0 && len(before) == 0 {
		return task.ValidationResult{}, false
	}

	prev := make(map[string]bool, len(before))
	for _, a := range before {
		prev[a] = true
	}
	changed := 0
	for _, a := range after {
		if !prev[a] {
			changed++
		}
	}

	if changed > 0 {
		return task.ValidationResult{
			ProgressDetected: true,
			Confidence:       0.5,
			Reasoning:        fmt.Sprintf("%d new or modified artifacts since last step", changed),
			Source:           task.SourceArtifacts,
		}, true
	}
	return task.ValidationResult{
		ProgressDetected: false,
		Confidence:       0.4,
		Reasoning:        "no artifact changes since last step",
		Source:           task.SourceArtifacts,
	}, true
}

func passRate(r *task.TestReport) float64 {
	total := r.Passed + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(total)
}
