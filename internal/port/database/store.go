// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// Store is the port interface for durable task and gate state.
// Implementations must be safe for concurrent use: the store is the
// synchronization boundary between task workers.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, failReason string) error
	UpdateTaskCounters(ctx context.Context, id string, stepCount int, costUSD float64) error
	ListUnfinishedTasks(ctx context.Context) ([]task.Task, error)

	// Steps (append-only)
	AppendStep(ctx context.Context, s *task.Step) error
	ListSteps(ctx context.Context, taskID string) ([]task.Step, error)

	// Gates
	CreateGate(ctx context.Context, g *gate.Gate) error
	GetGate(ctx context.Context, id string) (*gate.Gate, error)
	GetPendingGateByTask(ctx context.Context, taskID string) (*gate.Gate, error)
	ListGates(ctx context.Context, status gate.Status) ([]gate.Gate, error)
	// ResolveGate flips a pending gate to approved/denied. Exactly one
	// resolution wins; later callers get domain.ErrConflict.
	ResolveGate(ctx context.Context, id string, approved bool, feedback string) (*gate.Gate, error)
}
