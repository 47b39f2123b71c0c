package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taskpilot/taskpilot/internal/adapter/otel"
	"github.com/taskpilot/taskpilot/internal/adapter/ws"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/domain/autonomy"
	"github.com/taskpilot/taskpilot/internal/domain/failure"
	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/logger"
	"github.com/taskpilot/taskpilot/internal/port/broadcast"
	"github.com/taskpilot/taskpilot/internal/port/database"
	"github.com/taskpilot/taskpilot/internal/port/llm"
	"github.com/taskpilot/taskpilot/internal/port/messagequeue"
	"github.com/taskpilot/taskpilot/internal/port/toolexec"
)

// EngineService drives tasks through the plan-execute-validate-record loop.
// Each task runs on its own worker goroutine; the store is the only shared
// state between workers. Budgets and cancellation are checked cooperatively
// at iteration boundaries, never mid-step.
//
// Pool capacity is a weighted semaphore, not a goroutine cap: a worker parked
// on a human gate releases its slot while it waits, so any number of tasks
// can sit escalated without starving new ones. Gates have no deadline.
type EngineService struct {
	store    database.Store
	executor toolexec.Executor
	llm      llm.Client
	progress *ProgressService
	gates    *GateService
	queue    messagequeue.Queue
	hub      broadcast.Broadcaster
	metrics  *otel.Metrics
	loops    *failure.LoopDetector
	cfg      config.Engine

	baseCtx context.Context
	group   *errgroup.Group
	sem     *semaphore.Weighted
	cancels sync.Map // map[taskID]context.CancelFunc
}

// workerSlot is one unit of engine capacity, owned by a single worker
// goroutine. Releasing while parked and re-acquiring on resume keeps the
// semaphore balanced without the worker tracking pool state itself.
type workerSlot struct {
	sem  *semaphore.Weighted
	held bool
}

func (w *workerSlot) acquire(ctx context.Context) error {
	if w.held {
		return nil
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.held = true
	return nil
}

func (w *workerSlot) release() {
	if w.held {
		w.sem.Release(1)
		w.held = false
	}
}

// NewEngineService creates the engine. metrics may be nil.
func NewEngineService(
	store database.Store,
	executor toolexec.Executor,
	llmClient llm.Client,
	progressSvc *ProgressService,
	gates *GateService,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	metrics *otel.Metrics,
	cfg config.Engine,
) *EngineService {
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &EngineService{
		store:    store,
		executor: executor,
		llm:      llmClient,
		progress: progressSvc,
		gates:    gates,
		queue:    queue,
		hub:      hub,
		metrics:  metrics,
		loops:    failure.NewLoopDetector(cfg.LoopWindow),
		cfg:      cfg,
		baseCtx:  context.Background(),
		group:    &errgroup.Group{},
		sem:      semaphore.NewWeighted(int64(workers)),
	}
}

// Start binds the engine's workers to the given lifetime context and marks
// tasks interrupted by a previous process as failed. Loop windows live only
// in memory, so recovered tasks would restart with a clean slate anyway;
// failing them keeps the history honest.
func (s *EngineService) Start(ctx context.Context) error {
	s.baseCtx = ctx

	unfinished, err := s.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished tasks: %w", err)
	}
	for i := range unfinished {
		t := &unfinished[i]
		if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, "interrupted by restart"); err != nil {
			slog.Error("mark interrupted task failed", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("task interrupted by restart", "task_id", t.ID, "goal", t.Goal)
	}
	return nil
}

// Shutdown waits for all task workers to drain.
func (s *EngineService) Shutdown() {
	_ = s.group.Wait()
}

// Create validates, persists and starts a new task. Budget dimensions left at
// zero fall back to the configured defaults.
func (s *EngineService) Create(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	budget := req.Budget
	if budget.MaxSteps == 0 {
		budget.MaxSteps = s.cfg.DefaultMaxSteps
	}
	if budget.MaxCostUSD == 0 {
		budget.MaxCostUSD = s.cfg.DefaultMaxCostUSD
	}
	if budget.MaxElapsed == 0 {
		budget.MaxElapsed = s.cfg.DefaultMaxElapsed
	}

	t := &task.Task{
		AgentID:  req.AgentID,
		Goal:     req.Goal,
		Status:   task.StatusPending,
		Autonomy: req.Autonomy,
		Budget:   budget,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	// The task stays pending until a worker actually holds a pool slot:
	// Create never blocks on capacity.
	workerCtx, cancel := context.WithCancel(s.baseCtx)
	s.cancels.Store(t.ID, cancel)
	s.group.Go(func() error {
		defer cancel()
		sl := &workerSlot{sem: s.sem}
		if err := sl.acquire(workerCtx); err != nil {
			s.finish(t, task.StatusFailed, "cancelled", time.Now())
			return nil
		}
		defer sl.release()

		s.setStatus(workerCtx, t, task.StatusRunning, "")
		if s.metrics != nil {
			s.metrics.TasksStarted.Add(workerCtx, 1)
		}
		s.run(workerCtx, t, sl)
		return nil
	})

	slog.Info("task accepted",
		"task_id", t.ID,
		"agent_id", t.AgentID,
		"autonomy", t.Autonomy,
		"max_steps", budget.MaxSteps,
	)
	return t, nil
}

// Get returns a task with its step history attached.
func (s *EngineService) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Steps = steps
	return t, nil
}

// List returns all tasks, most recent first.
func (s *EngineService) List(ctx context.Context) ([]task.Task, error) {
	return s.store.ListTasks(ctx)
}

// Steps returns the append-only step history of a task.
func (s *EngineService) Steps(ctx context.Context, id string) ([]task.Step, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, id)
}

// Cancel requests cooperative cancellation. The worker observes it at the
// next iteration boundary; a step already executing runs to completion.
func (s *EngineService) Cancel(ctx context.Context, id string) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	v, ok := s.cancels.Load(id)
	if !ok {
		return fmt.Errorf("task %s has no active worker", id)
	}
	v.(context.CancelFunc)()
	slog.Info("task cancellation requested", "task_id", id)
	return nil
}

// run is the per-task worker loop.
func (s *EngineService) run(ctx context.Context, t *task.Task, sl *workerSlot) {
	ctx = logger.WithTaskID(ctx, t.ID)
	ctx, taskSpan := otel.StartTaskSpan(ctx, t.ID, t.AgentID)
	defer taskSpan.End()

	started := time.Now()
	var prev *task.Step
	var feedback []string
	var forbidden string
	retries := 0
	extRetries := 0

	for {
		// Iteration boundary: cancellation and budgets, never mid-step.
		select {
		case <-ctx.Done():
			s.finish(t, task.StatusFailed, "cancelled", started)
			return
		default:
		}
		if reason := s.budgetExceeded(t, started); reason != "" {
			s.finish(t, task.StatusFailed, reason, started)
			return
		}

		stepCtx, stepSpan := otel.StartStepSpan(ctx, t.ID, t.StepCount)
		action, planCost, err := s.plan(stepCtx, t, prev, feedback, forbidden)
		t.CostUSD += planCost
		if err != nil {
			stepSpan.End()
			s.finish(t, task.StatusFailed, fmt.Sprintf("planning failed: %v", err), started)
			return
		}

		res, err := s.executor.Execute(stepCtx, *action)
		stepSpan.End()
		if err != nil {
			// Transport-level failure of the execution plane itself.
			res = &task.Result{
				Success:   false,
				Error:     err.Error(),
				ErrorType: "external",
			}
		}
		t.CostUSD += res.CostUSD

		var validation task.ValidationResult
		var sig failure.Signature
		loop := false
		if res.Success {
			s.loops.RecordSuccess(t.ID)
			retries, extRetries, forbidden = 0, 0, ""
			validation = s.progress.Evaluate(ctx, t, prev, res)
		} else {
			sig = failure.Derive(*action, *res)
			loop = s.loops.RecordFailure(t.ID, sig)
			validation = task.ValidationResult{
				ProgressDetected: false,
				Confidence:       0.9,
				Reasoning:        "action failed: " + res.Error,
				Source:           task.SourceEngine,
			}
			if res.Uncertain {
				// The agent failed and does not trust its own read of why.
				validation.Confidence = 0.2
				validation.Reasoning += "; agent reported uncertainty"
			}
		}

		step := s.recordStep(ctx, t, *action, *res, validation)
		prev = step

		if res.Success {
			if validation.GoalMet {
				s.finish(t, task.StatusSucceeded, "", started)
				return
			}
			if s.confidenceCheckDue(t.StepCount, res.Uncertain) {
				decision := autonomy.Decide(validation.Confidence, t.Autonomy, autonomy.Thresholds{
					Medium: s.cfg.MediumThreshold,
					High:   s.cfg.HighThreshold,
				})
				if decision.Escalate {
					resolution, err := s.escalateLowConfidence(ctx, t, decision.Reason, validation, sl)
					if err != nil {
						s.finish(t, task.StatusFailed, "cancelled while awaiting approval", started)
						return
					}
					if !resolution.Approved {
						s.finish(t, task.StatusFailed, "denied by human: "+resolution.Feedback, started)
						return
					}
					if resolution.Feedback != "" {
						feedback = append(feedback, resolution.Feedback)
					}
				}
			}
			continue
		}

		// Failure handling. Loop detection outranks the retry budget: three
		// identical failures raise a gate even if retries remain.
		if loop {
			if s.metrics != nil {
				s.metrics.LoopsDetected.Add(ctx, 1)
			}
			resolution, err := s.escalateLoop(ctx, t, sig, sl)
			if err != nil {
				s.finish(t, task.StatusFailed, "cancelled while awaiting approval", started)
				return
			}
			if !resolution.Approved {
				s.finish(t, task.StatusFailed, "denied by human: "+resolution.Feedback, started)
				return
			}
			s.loops.RecordSuccess(t.ID) // human intervened, start from a clean window
			if resolution.Feedback != "" {
				feedback = append(feedback, resolution.Feedback)
			}
			retries = 0
			forbidden = action.Signature()
			continue
		}

		// Uncertainty forces a confidence check on failures too, before any
		// retry is spent.
		if res.Uncertain {
			decision := autonomy.Decide(validation.Confidence, t.Autonomy, autonomy.Thresholds{
				Medium: s.cfg.MediumThreshold,
				High:   s.cfg.HighThreshold,
			})
			if decision.Escalate {
				resolution, err := s.escalateLowConfidence(ctx, t, decision.Reason, validation, sl)
				if err != nil {
					s.finish(t, task.StatusFailed, "cancelled while awaiting approval", started)
					return
				}
				if !resolution.Approved {
					s.finish(t, task.StatusFailed, "denied by human: "+resolution.Feedback, started)
					return
				}
				if resolution.Feedback != "" {
					feedback = append(feedback, resolution.Feedback)
				}
			}
		}

		if sig.Class == failure.ClassExternal {
			extRetries++
			if extRetries > s.cfg.MaxExternalRetries {
				s.finish(t, task.StatusFailed,
					fmt.Sprintf("transient failures exhausted after %d attempts: %s", extRetries, res.Error), started)
				return
			}
			// Transient: same plan may well work, no forced replanning.
			s.setStatus(ctx, t, task.StatusRetrying, "")
			if !s.backoff(ctx, extRetries) {
				s.finish(t, task.StatusFailed, "cancelled", started)
				return
			}
			s.setStatus(ctx, t, task.StatusRunning, "")
			continue
		}

		retries++
		if retries > s.cfg.MaxRetries {
			s.finish(t, task.StatusFailed,
				fmt.Sprintf("retries exhausted after %d attempts: %s", retries, res.Error), started)
			return
		}
		s.setStatus(ctx, t, task.StatusRetrying, "")
		if !s.backoff(ctx, retries) {
			s.finish(t, task.StatusFailed, "cancelled", started)
			return
		}
		s.setStatus(ctx, t, task.StatusRunning, "")
		forbidden = action.Signature()
	}
}

// confidenceCheckDue reports whether this step triggers a confidence check:
// every N-th step, or immediately when the agent reported uncertainty.
func (s *EngineService) confidenceCheckDue(stepCount int, uncertain bool) bool {
	if uncertain {
		return true
	}
	interval := s.cfg.ConfidenceInterval
	if interval <= 0 {
		return true
	}
	return stepCount%interval == 0
}

// budgetExceeded returns a failure reason when any budget dimension is spent.
func (s *EngineService) budgetExceeded(t *task.Task, started time.Time) string {
	b := t.Budget
	if b.MaxSteps > 0 && t.StepCount >= b.MaxSteps {
		return fmt.Sprintf("budget exceeded: %d steps", t.StepCount)
	}
	if b.MaxCostUSD > 0 && t.CostUSD >= b.MaxCostUSD {
		return fmt.Sprintf("budget exceeded: $%.2f spent", t.CostUSD)
	}
	if b.MaxElapsed > 0 && time.Since(started) >= b.MaxElapsed {
		return fmt.Sprintf("budget exceeded: %s elapsed", time.Since(started).Round(time.Second))
	}
	return ""
}

// backoff sleeps base*2^(n-1). Returns false when the context was cancelled.
func (s *EngineService) backoff(ctx context.Context, attempt int) bool {
	d := s.cfg.RetryBaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// recordStep appends the step, bumps the counters and fans the result out.
// Persistence runs on a fresh context: a cancelled worker must still record
// its last step.
func (s *EngineService) recordStep(_ context.Context, t *task.Task, action task.Action, res task.Result, validation task.ValidationResult) *task.Step {
	ctx := context.Background()
	step := &task.Step{
		TaskID:     t.ID,
		Index:      t.StepCount,
		Action:     action,
		Result:     res,
		Validation: validation,
	}
	if err := s.store.AppendStep(ctx, step); err != nil {
		slog.Error("append step", "task_id", t.ID, "index", step.Index, "error", err)
	}
	t.StepCount++
	if err := s.store.UpdateTaskCounters(ctx, t.ID, t.StepCount, t.CostUSD); err != nil {
		slog.Error("update task counters", "task_id", t.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.Steps.Add(ctx, 1)
	}
	s.hub.BroadcastEvent(ctx, ws.EventStepResult, ws.StepResultEvent{
		TaskID:     t.ID,
		StepIndex:  step.Index,
		Tool:       action.Tool,
		Success:    res.Success,
		Confidence: validation.Confidence,
		Source:     string(validation.Source),
	})
	return step
}

// setStatus persists a status transition and fans it out.
func (s *EngineService) setStatus(ctx context.Context, t *task.Task, status task.Status, reason string) {
	if err := s.store.UpdateTaskStatus(ctx, t.ID, status, reason); err != nil {
		slog.Error("update task status", "task_id", t.ID, "status", status, "error", err)
		return
	}
	t.Status = status
	t.FailReason = reason
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Status:    string(status),
		StepCount: t.StepCount,
		CostUSD:   t.CostUSD,
		Reason:    reason,
	})
	s.publishTaskEvent(ctx, t, reason)
}

// finish moves the task to a terminal state and releases worker bookkeeping.
func (s *EngineService) finish(t *task.Task, status task.Status, reason string, started time.Time) {
	ctx := context.Background()
	s.setStatus(ctx, t, status, reason)
	s.loops.Reset(t.ID)
	s.cancels.Delete(t.ID)

	if s.metrics != nil {
		switch status {
		case task.StatusSucceeded:
			s.metrics.TasksSucceeded.Add(ctx, 1)
		case task.StatusFailed:
			s.metrics.TasksFailed.Add(ctx, 1)
		}
		s.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds())
		s.metrics.TaskCost.Record(ctx, t.CostUSD)
	}

	slog.Info("task finished",
		"task_id", t.ID,
		"status", status,
		"steps", t.StepCount,
		"cost_usd", t.CostUSD,
		"reason", reason,
	)
}

func (s *EngineService) publishTaskEvent(ctx context.Context, t *task.Task, reason string) {
	payload := messagequeue.TaskEventPayload{
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Status:    string(t.Status),
		StepCount: t.StepCount,
		CostUSD:   t.CostUSD,
		Reason:    reason,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal task event", "task_id", t.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectTaskEvents, data); err != nil {
		slog.Error("publish task event", "task_id", t.ID, "error", err)
	}
}

// SweepLoops drops loop-detection windows inactive longer than maxIdle.
func (s *EngineService) SweepLoops(maxIdle time.Duration) int {
	return s.loops.Sweep(maxIdle)
}
