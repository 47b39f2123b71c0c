package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain/progress"
	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/cache"
	"github.com/taskpilot/taskpilot/internal/port/llm"
)

const verdictCacheTTL = 10 * time.Minute

// ProgressService turns a step result into a progress verdict. Signals are
// tried in priority order: test metrics first, then workspace artifacts, then
// an LLM goal-proximity judgment as the last resort. The LLM fallback is the
// only path that leaves the process, so its verdicts are cached by state
// fingerprint.
type ProgressService struct {
	llm   llm.Client
	cache cache.Cache
}

// NewProgressService creates a ProgressService. cache may be nil, which
// disables verdict caching.
func NewProgressService(llmClient llm.Client, c cache.Cache) *ProgressService {
	return &ProgressService{llm: llmClient, cache: c}
}

// Evaluate produces a verdict for a successful step result. prev is the most
// recent recorded step, or nil on the first iteration.
func (s *ProgressService) Evaluate(ctx context.Context, t *task.Task, prev *task.Step, res *task.Result) task.ValidationResult {
	var prevTests *task.TestReport
	var prevArtifacts []string
	if prev != nil {
		prevTests = prev.Result.Tests
		prevArtifacts = prev.Result.Artifacts
	}

	if v, ok := progress.CompareTests(prevTests, res.Tests); ok {
		return v
	}
	if v, ok := progress.CompareArtifacts(prevArtifacts, res.Artifacts); ok {
		return v
	}
	return s.llmVerdict(ctx, t, res)
}

// llmVerdict asks the model whether the step moved the task toward its goal.
// Any failure of the fallback itself degrades to a neutral low-confidence
// verdict rather than an error: validation must never kill a task.
func (s *ProgressService) llmVerdict(ctx context.Context, t *task.Task, res *task.Result) task.ValidationResult {
	key := verdictKey(t.Goal, res.Output)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var v task.ValidationResult
			if err := json.Unmarshal(data, &v); err == nil {
				return v
			}
		}
	}

	completion, err := s.llm.Complete(ctx, llm.Request{
		Prompt:      buildVerdictPrompt(t.Goal, res.Output),
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("progress fallback failed", "task_id", t.ID, "error", err)
		return task.ValidationResult{
			ProgressDetected: false,
			Confidence:       0.1,
			Reasoning:        "goal-proximity check unavailable: " + err.Error(),
			Source:           task.SourceLLM,
		}
	}

	v := parseVerdict(completion.Text)
	if s.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, key, data, verdictCacheTTL)
		}
	}
	return v
}

func buildVerdictPrompt(goal, output string) string {
	var b strings.Builder
	b.WriteString("You judge whether an autonomous agent's last step moved it closer to its goal.\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nLast step output:\n")
	b.WriteString(output)
	b.WriteString("\n\nAnswer with a single JSON object: ")
	b.WriteString(`{"progress_detected": bool, "goal_met": bool, "confidence": number 0..1, "reasoning": string}`)
	return b.String()
}

// parseVerdict extracts the JSON verdict from model output and clamps the
// confidence into [0,1]. Unparseable output degrades to a neutral verdict.
func parseVerdict(text string) task.ValidationResult {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return task.ValidationResult{
			Confidence: 0.1,
			Reasoning:  "model returned no parseable verdict",
			Source:     task.SourceLLM,
		}
	}

	var parsed struct {
		ProgressDetected bool    `json:"progress_detected"`
		GoalMet          bool    `json:"goal_met"`
		Confidence       float64 `json:"confidence"`
		Reasoning        string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return task.ValidationResult{
			Confidence: 0.1,
			Reasoning:  fmt.Sprintf("unparseable verdict: %v", err),
			Source:     task.SourceLLM,
		}
	}

	conf := parsed.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return task.ValidationResult{
		ProgressDetected: parsed.ProgressDetected,
		GoalMet:          parsed.GoalMet,
		Confidence:       conf,
		Reasoning:        parsed.Reasoning,
		Source:           task.SourceLLM,
	}
}

func verdictKey(goal, output string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(goal))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(output))
	return fmt.Sprintf("verdict:%x", h.Sum64())
}

// extractJSON finds the first JSON object in the string.
// Handles markdown code blocks like ```json {...} ```.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx >= 0 {
			s = s[idx+1:]
		}
		if last := strings.LastIndex(s, "```"); last >= 0 {
			s = s[:last]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
