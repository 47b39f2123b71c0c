package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/domain/gate"
	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, agent_id, goal, status, autonomy, max_steps, max_cost_usd, max_elapsed_ms,
	step_count, cost_usd, fail_reason, version, started_at, completed_at, created_at, updated_at`

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, agent_id, goal, status, autonomy, max_steps, max_cost_usd, max_elapsed_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+taskColumns,
		t.ID, t.AgentID, t.Goal, t.Status, t.Autonomy,
		t.Budget.MaxSteps, t.Budget.MaxCostUSD, t.Budget.MaxElapsed.Milliseconds())

	created, err := scanTask(row)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	*t = created
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, failReason string) error {
	completed := "NULL"
	if status.Terminal() {
		completed = "now()"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, fail_reason = $3, completed_at = `+completed+`, updated_at = now(), version = version + 1
		 WHERE id = $1`, id, status, failReason)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateTaskCounters(ctx context.Context, id string, stepCount int, costUSD float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET step_count = $2, cost_usd = $3, updated_at = now() WHERE id = $1`,
		id, stepCount, costUSD)
	if err != nil {
		return fmt.Errorf("update task counters %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task counters %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('running', 'retrying', 'escalated')`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list unfinished tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Steps ---

func (s *Store) AppendStep(ctx context.Context, st *task.Step) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	actionJSON, err := json.Marshal(st.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	resultJSON, err := json.Marshal(st.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	validationJSON, err := json.Marshal(st.Validation)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO steps (id, task_id, step_index, action, result, validation)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		st.ID, st.TaskID, st.Index, actionJSON, resultJSON, validationJSON)
	if err := row.Scan(&st.CreatedAt); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, taskID string) ([]task.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, step_index, action, result, validation, created_at
		 FROM steps WHERE task_id = $1 ORDER BY step_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []task.Step
	for rows.Next() {
		var st task.Step
		var actionJSON, resultJSON, validationJSON []byte
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Index, &actionJSON, &resultJSON, &validationJSON, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal(actionJSON, &st.Action); err != nil {
			return nil, fmt.Errorf("unmarshal action: %w", err)
		}
		if err := json.Unmarshal(resultJSON, &st.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		if err := json.Unmarshal(validationJSON, &st.Validation); err != nil {
			return nil, fmt.Errorf("unmarshal validation: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Gates ---

const gateColumns = `id, task_id, agent_id, gate_type, reason, context, status, feedback, created_at, resolved_at`

func (s *Store) CreateGate(ctx context.Context, g *gate.Gate) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO gates (id, task_id, agent_id, gate_type, reason, context)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+gateColumns,
		g.ID, g.TaskID, g.AgentID, g.Type, g.Reason, g.Context)

	created, err := scanGate(row)
	if err != nil {
		// The partial unique index rejects a second pending gate per task.
		if isUniqueViolation(err) {
			return fmt.Errorf("create gate for task %s: %w", g.TaskID, domain.ErrConflict)
		}
		return fmt.Errorf("create gate: %w", err)
	}
	*g = created
	return nil
}

func (s *Store) GetGate(ctx context.Context, id string) (*gate.Gate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+gateColumns+` FROM gates WHERE id = $1`, id)

	g, err := scanGate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get gate %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get gate %s: %w", id, err)
	}
	return &g, nil
}

func (s *Store) GetPendingGateByTask(ctx context.Context, taskID string) (*gate.Gate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE task_id = $1 AND status = 'pending'`, taskID)

	g, err := scanGate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending gate for task %s: %w", taskID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("pending gate for task %s: %w", taskID, err)
	}
	return &g, nil
}

func (s *Store) ListGates(ctx context.Context, status gate.Status) ([]gate.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + gateColumns + ` FROM gates WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, status)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []gate.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("list gates: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// ResolveGate flips a pending gate to its terminal state. The WHERE clause on
// status makes resolution first-wins: a second caller matches zero rows and
// gets ErrConflict.
func (s *Store) ResolveGate(ctx context.Context, id string, approved bool, feedback string) (*gate.Gate, error) {
	status := gate.StatusDenied
	if approved {
		status = gate.StatusApproved
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE gates SET status = $2, feedback = $3, resolved_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+gateColumns,
		id, status, feedback)

	g, err := scanGate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the gate does not exist or it was already resolved.
			if _, getErr := s.GetGate(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("resolve gate %s: %w", id, domain.ErrConflict)
		}
		return nil, fmt.Errorf("resolve gate %s: %w", id, err)
	}
	return &g, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var maxElapsedMS int64
	var completedAt *time.Time
	err := row.Scan(&t.ID, &t.AgentID, &t.Goal, &t.Status, &t.Autonomy,
		&t.Budget.MaxSteps, &t.Budget.MaxCostUSD, &maxElapsedMS,
		&t.StepCount, &t.CostUSD, &t.FailReason, &t.Version,
		&t.StartedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.Budget.MaxElapsed = time.Duration(maxElapsedMS) * time.Millisecond
	t.CompletedAt = completedAt
	return t, nil
}

func scanGate(row rowScanner) (gate.Gate, error) {
	var g gate.Gate
	var resolvedAt *time.Time
	err := row.Scan(&g.ID, &g.TaskID, &g.AgentID, &g.Type, &g.Reason, &g.Context,
		&g.Status, &g.Feedback, &g.CreatedAt, &resolvedAt)
	if err != nil {
		return gate.Gate{}, err
	}
	g.ResolvedAt = resolvedAt
	return g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
