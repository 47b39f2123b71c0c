package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/adapter/otel"
	"github.com/taskpilot/taskpilot/internal/adapter/ws"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/domain/collab"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/port/broadcast"
	"github.com/taskpilot/taskpilot/internal/port/messagequeue"
)

// CollabService routes help requests between agents. Hub-and-spoke: agents
// publish questions to the router and receive dispatches on their own inbox
// subject; they never hold handles to each other.
type CollabService struct {
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	gates   *GateService
	tracker *collab.Tracker
	metrics *otel.Metrics
	cfg     config.Collab

	specialties []collab.Specialty
	pairs       sync.Map // map[gateID]pair, for unblocking on gate resolution
	cancels     []func()
}

type pair struct {
	requester string
	target    string
}

// NewCollabService creates the router with the shipped expertise map.
func NewCollabService(queue messagequeue.Queue, hub broadcast.Broadcaster, gates *GateService, cfg config.Collab) *CollabService {
	return &CollabService{
		queue:       queue,
		hub:         hub,
		gates:       gates,
		tracker:     collab.NewTracker(cfg.ThreadWindow, cfg.SimilarityThreshold, cfg.RepeatLimit),
		cfg:         cfg,
		specialties: collab.DefaultSpecialties,
	}
}

// SetMetrics attaches the optional metric instruments.
func (s *CollabService) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// Ask routes a question to the best-matching specialist and dispatches it over
// the message plane. When the requester has deadlocked with the target (the
// same question keeps coming back), a collaboration_deadlock gate is opened
// instead and the pair stays blocked until a human resolves it.
func (s *CollabService) Ask(ctx context.Context, req collab.Request) (*collab.Exchange, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target, category := collab.Route(req.Question, s.specialties, s.cfg.FallbackAgent)

	if s.tracker.RecordQuestion(req.RequesterAgent, target, req.Question) {
		return nil, s.deadlock(ctx, req, target)
	}

	ctx, span := otel.StartCollabSpan(ctx, req.RequesterAgent, target)
	defer span.End()

	ex := &collab.Exchange{
		ID:        uuid.NewString(),
		Requester: req.RequesterAgent,
		Target:    target,
		Question:  req.Question,
		CreatedAt: time.Now(),
	}

	payload := messagequeue.CollabDispatchPayload{
		ExchangeID:     ex.ID,
		RequesterAgent: ex.Requester,
		TargetAgent:    ex.Target,
		Category:       category,
		Question:       ex.Question,
		CodeContext:    collab.TruncateContextTo(req.CodeContext, s.cfg.MaxContextChars),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch: %w", err)
	}
	subject := messagequeue.SubjectCollabDispatch + "." + target
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		return nil, fmt.Errorf("dispatch question: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CollabAsks.Add(ctx, 1)
	}
	slog.Info("collab question routed",
		"exchange_id", ex.ID,
		"requester", ex.Requester,
		"target", ex.Target,
		"category", category,
	)
	s.hub.BroadcastEvent(ctx, ws.EventCollabAsked, ws.CollabEvent{
		ExchangeID:     ex.ID,
		RequesterAgent: ex.Requester,
		TargetAgent:    ex.Target,
		Category:       category,
		Question:       ex.Question,
	})
	return ex, nil
}

// deadlock blocks the pair and opens a gate when the request carries a task.
func (s *CollabService) deadlock(ctx context.Context, req collab.Request, target string) error {
	slog.Warn("collaboration deadlock",
		"requester", req.RequesterAgent,
		"target", target,
		"question", req.Question,
	)
	s.hub.BroadcastEvent(ctx, ws.EventCollabDeadlock, ws.CollabEvent{
		RequesterAgent: req.RequesterAgent,
		TargetAgent:    target,
		Question:       req.Question,
	})

	if req.TaskID != "" {
		g, err := s.gates.Open(ctx, gate.CreateRequest{
			TaskID:  req.TaskID,
			AgentID: req.RequesterAgent,
			Type:    gate.TypeCollaborationDeadlock,
			Reason: fmt.Sprintf("agent %s keeps asking %s near-identical questions",
				req.RequesterAgent, target),
			Context: collab.TruncateContextTo(req.Question, s.cfg.MaxContextChars),
		})
		if err != nil {
			slog.Error("open deadlock gate failed", "task_id", req.TaskID, "error", err)
		} else {
			s.pairs.Store(g.ID, pair{requester: req.RequesterAgent, target: target})
		}
	}

	return fmt.Errorf("collaboration between %s and %s is deadlocked pending human review: %w",
		req.RequesterAgent, target, domain.ErrConflict)
}

// HandleGateResolved unblocks the agent pair behind a resolved
// collaboration_deadlock gate. Registered via GateService.SetOnResolve.
func (s *CollabService) HandleGateResolved(ctx context.Context, g *gate.Gate) {
	if g.Type != gate.TypeCollaborationDeadlock {
		return
	}
	v, ok := s.pairs.LoadAndDelete(g.ID)
	if !ok {
		return
	}
	p := v.(pair)
	s.tracker.Unblock(p.requester, p.target)
	slog.Info("collaboration pair unblocked",
		"requester", p.requester,
		"target", p.target,
		"gate_id", g.ID,
	)
}

// Start subscribes to the router's inbox and the response subject.
func (s *CollabService) Start(ctx context.Context) error {
	cancelReq, err := s.queue.Subscribe(ctx, messagequeue.SubjectCollabRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectCollabRequest, err)
	}
	s.cancels = append(s.cancels, cancelReq)

	cancelResp, err := s.queue.Subscribe(ctx, messagequeue.SubjectCollabResponse, s.handleResponse)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectCollabResponse, err)
	}
	s.cancels = append(s.cancels, cancelResp)
	return nil
}

// Stop cancels all subscriptions.
func (s *CollabService) Stop() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *CollabService) handleRequest(ctx context.Context, _ string, data []byte) error {
	var req collab.Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("bad collab request payload", "error", err)
		return nil // unparseable, do not redeliver
	}
	if _, err := s.Ask(ctx, req); err != nil {
		slog.Warn("collab request not routed", "requester", req.RequesterAgent, "error", err)
	}
	return nil
}

func (s *CollabService) handleResponse(ctx context.Context, _ string, data []byte) error {
	var resp messagequeue.CollabResponsePayload
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Error("bad collab response payload", "error", err)
		return nil
	}
	slog.Info("collab response received",
		"exchange_id", resp.ExchangeID,
		"target", resp.TargetAgent,
	)
	s.hub.BroadcastEvent(ctx, ws.EventCollabAnswered, ws.CollabEvent{
		ExchangeID:  resp.ExchangeID,
		TargetAgent: resp.TargetAgent,
	})
	return nil
}

// Sweep drops collaboration threads inactive longer than maxIdle.
func (s *CollabService) Sweep(maxIdle time.Duration) int {
	return s.tracker.Sweep(maxIdle)
}
