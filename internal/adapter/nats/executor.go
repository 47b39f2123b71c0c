package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain/task"
	"github.com/taskpilot/taskpilot/internal/port/messagequeue"
)

// Executor implements the tool-execution port over core NATS request-reply.
// The execution plane (sandboxed workers, out of process) subscribes to the
// exec subject and replies with a JSON task.Result.
type Executor struct {
	q       *Queue
	timeout time.Duration
}

// NewExecutor creates an Executor on top of an existing NATS connection.
func NewExecutor(q *Queue, timeout time.Duration) *Executor {
	return &Executor{q: q, timeout: timeout}
}

// Execute sends the action to the execution plane and waits for its result.
// Transport errors (no responder, timeout) are returned as err; the engine
// treats them as transient.
func (e *Executor) Execute(ctx context.Context, action task.Action) (*task.Result, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg, err := e.q.nc.RequestWithContext(ctx, messagequeue.SubjectToolExec, data)
	if err != nil {
		return nil, fmt.Errorf("exec request: %w", err)
	}

	var res task.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal exec result: %w", err)
	}
	return &res, nil
}
