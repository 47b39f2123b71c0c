package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taskpilot/taskpilot/internal/adapter/ws"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/port/broadcast"
	"github.com/taskpilot/taskpilot/internal/port/database"
)

// GateService owns the human-approval gate lifecycle. Task workers open gates
// and block on their resolution; HTTP handlers resolve them. The database is
// the source of truth, the in-memory channel map only wakes local waiters.
type GateService struct {
	store     database.Store
	hub       broadcast.Broadcaster
	waiters   sync.Map // map[gateID]chan gate.Resolution
	onResolve func(ctx context.Context, g *gate.Gate)
}

// NewGateService creates a GateService.
func NewGateService(store database.Store, hub broadcast.Broadcaster) *GateService {
	return &GateService{store: store, hub: hub}
}

// SetOnResolve registers a callback invoked after any gate resolution, in
// addition to waking the blocked worker. Used by the collaboration router to
// unblock deadlocked agent pairs.
func (s *GateService) SetOnResolve(fn func(ctx context.Context, g *gate.Gate)) {
	s.onResolve = fn
}

// Open creates a gate for the task, or returns the already-pending one: a
// second escalation while a gate is open attaches to the existing gate
// instead of stacking a new approval on the operator.
func (s *GateService) Open(ctx context.Context, req gate.CreateRequest) (*gate.Gate, error) {
	if existing, err := s.store.GetPendingGateByTask(ctx, req.TaskID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check pending gate: %w", err)
	}

	g := &gate.Gate{
		TaskID:  req.TaskID,
		AgentID: req.AgentID,
		Type:    req.Type,
		Reason:  req.Reason,
		Context: req.Context,
		Status:  gate.StatusPending,
	}
	if err := s.store.CreateGate(ctx, g); err != nil {
		// Lost a create race: the winner's gate is the one to attach to.
		if errors.Is(err, domain.ErrConflict) {
			return s.store.GetPendingGateByTask(ctx, req.TaskID)
		}
		return nil, fmt.Errorf("create gate: %w", err)
	}

	slog.Info("gate opened",
		"gate_id", g.ID,
		"task_id", g.TaskID,
		"type", g.Type,
		"reason", g.Reason,
	)
	s.hub.BroadcastEvent(ctx, ws.EventGateCreated, ws.GateEvent{
		GateID:  g.ID,
		TaskID:  g.TaskID,
		AgentID: g.AgentID,
		Type:    string(g.Type),
		Status:  string(g.Status),
		Reason:  g.Reason,
	})
	return g, nil
}

// Wait blocks until the gate is resolved or ctx is cancelled. The channel has
// buffer 1 so the resolver never blocks on a slow worker.
func (s *GateService) Wait(ctx context.Context, gateID string) (gate.Resolution, error) {
	ch := make(chan gate.Resolution, 1)
	s.waiters.Store(gateID, ch)
	defer s.waiters.Delete(gateID)

	// The gate may have been resolved between Open and Wait.
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return gate.Resolution{}, err
	}
	if g.Resolved() {
		return gate.Resolution{
			GateID:   g.ID,
			Approved: g.Status == gate.StatusApproved,
			Feedback: g.Feedback,
		}, nil
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return gate.Resolution{}, ctx.Err()
	}
}

// Resolve flips a pending gate to approved or denied. Exactly one resolution
// wins; a second resolver gets domain.ErrConflict.
func (s *GateService) Resolve(ctx context.Context, gateID string, approved bool, feedback string) (*gate.Gate, error) {
	g, err := s.store.ResolveGate(ctx, gateID, approved, feedback)
	if err != nil {
		return nil, err
	}

	slog.Info("gate resolved",
		"gate_id", g.ID,
		"task_id", g.TaskID,
		"status", g.Status,
	)

	if v, ok := s.waiters.Load(gateID); ok {
		ch := v.(chan gate.Resolution)
		select {
		case ch <- gate.Resolution{GateID: g.ID, Approved: approved, Feedback: feedback}:
		default:
		}
	}

	if s.onResolve != nil {
		s.onResolve(ctx, g)
	}

	s.hub.BroadcastEvent(ctx, ws.EventGateResolved, ws.GateEvent{
		GateID:  g.ID,
		TaskID:  g.TaskID,
		AgentID: g.AgentID,
		Type:    string(g.Type),
		Status:  string(g.Status),
		Reason:  g.Reason,
	})
	return g, nil
}

// Get returns a gate by ID.
func (s *GateService) Get(ctx context.Context, gateID string) (*gate.Gate, error) {
	return s.store.GetGate(ctx, gateID)
}

// List returns gates, optionally filtered by status.
func (s *GateService) List(ctx context.Context, status gate.Status) ([]gate.Gate, error) {
	return s.store.ListGates(ctx, status)
}
