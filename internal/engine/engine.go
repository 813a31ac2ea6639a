// Package engine executes the agent crew for a reconnaissance run. An
// Engine receives the target plus seed context, streams ordered
// notifications while it works, and finishes with exactly one outcome.
package engine

import (
	"context"
	"fmt"
)

// Request describes one crew execution.
type Request struct {
	RunID       string
	Target      string
	Namespace   string
	SeedContext []string
}

// Notification is one progress message from a running task. Finding
// carries factual text worth persisting to memory; it is empty for
// purely informational messages.
type Notification struct {
	Task    string
	Agent   string
	Message string
	Finding string
}

// Outcome is the terminal product of a successful execution.
type Outcome struct {
	Report string
}

// Engine runs the crew. Implementations must invoke notify in order
// from a single goroutine and return after the final task completes or
// the first unrecoverable failure.
type Engine interface {
	Execute(ctx context.Context, req Request, notify func(Notification)) (Outcome, error)
}

// TaskError reports which crew task failed and why.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
