package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskpilot/taskpilot/internal/domain/failure"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// escalate parks the task on a human gate and blocks until resolution or
// cancellation. The returned resolution carries the operator's feedback,
// which flows back into planning on approval and into the failure reason on
// denial. The worker's pool slot is released for the duration of the wait:
// gates have no deadline, and a parked worker must not hold capacity other
// tasks could use.
func (s *EngineService) escalate(ctx context.Context, t *task.Task, typ gate.Type, reason, gateContext string, sl *workerSlot) (gate.Resolution, error) {
	s.setStatus(ctx, t, task.StatusEscalated, "")
	if s.metrics != nil {
		s.metrics.TasksEscalated.Add(ctx, 1)
	}

	g, err := s.gates.Open(ctx, gate.CreateRequest{
		TaskID:  t.ID,
		AgentID: t.AgentID,
		Type:    typ,
		Reason:  reason,
		Context: gateContext,
	})
	if err != nil {
		return gate.Resolution{}, fmt.Errorf("open gate: %w", err)
	}

	slog.Info("task escalated",
		"task_id", t.ID,
		"gate_id", g.ID,
		"type", typ,
		"reason", reason,
	)

	sl.release()
	res, err := s.gates.Wait(ctx, g.ID)
	if err != nil {
		return gate.Resolution{}, fmt.Errorf("wait for gate %s: %w", g.ID, err)
	}
	if err := sl.acquire(ctx); err != nil {
		return gate.Resolution{}, fmt.Errorf("reacquire worker slot: %w", err)
	}
	if res.Approved {
		s.setStatus(ctx, t, task.StatusRunning, "")
	}
	return res, nil
}

// escalateLoop raises a loop_detected gate for three identical failures.
func (s *EngineService) escalateLoop(ctx context.Context, t *task.Task, sig failure.Signature, sl *workerSlot) (gate.Resolution, error) {
	reason := fmt.Sprintf("%d consecutive identical failures: %s", s.cfg.LoopWindow, sig.ExactMessage)
	gateContext := sig.ExactMessage
	if sig.Location != "" {
		gateContext = sig.Location + ": " + sig.ExactMessage
	}
	return s.escalate(ctx, t, gate.TypeLoopDetected, reason, gateContext, sl)
}

// escalateLowConfidence raises a low_confidence gate from a confidence check.
func (s *EngineService) escalateLowConfidence(ctx context.Context, t *task.Task, reason string, v task.ValidationResult, sl *workerSlot) (gate.Resolution, error) {
	return s.escalate(ctx, t, gate.TypeLowConfidence, reason, v.Reasoning, sl)
}
