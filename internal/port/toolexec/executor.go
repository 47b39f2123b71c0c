// Package toolexec defines the tool-execution port. Implementations run a
// concrete action (file write, command run) in an isolated environment that
// is out of scope here.
package toolexec

import (
	"context"

	"github.com/taskpilot/taskpilot/internal/domain/task"
)

// Executor runs actions and reports structured results. A failed action is a
// Result with Success=false and error text suitable for failure
// fingerprinting; transport-level errors are returned as err.
type Executor interface {
	Execute(ctx context.Context, action task.Action) (*task.Result, error)
}
