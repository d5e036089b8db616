package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTaskAlreadyTerminal is returned when cancelling a finished task. It is a no-op.
	ErrTaskAlreadyTerminal = errors.New("task already in a terminal state")
	// ErrInvalidTask is returned by submission for malformed requests
	ErrInvalidTask = errors.New("invalid task")
	// ErrPoolClosed is returned when submitting to a pool that is shutting down
	ErrPoolClosed = errors.New("pool is shut down")
)

// TaskNotFoundError is returned for ids the pool has never seen
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

// ProbeAttempt records one agent considered during selection
type ProbeAttempt struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// AgentUnavailableError is returned when no registered agent can take a task
type AgentUnavailableError struct {
	TaskKind string         `json:"task_kind"`
	Attempts []ProbeAttempt `json:"attempts"`
}

func (e *AgentUnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no agent available for task kind %q: no agent registered for kind", e.TaskKind)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Kind + ": " + a.Reason
	}
	return fmt.Sprintf("no agent available for task kind %q (tried %s)", e.TaskKind, strings.Join(parts, "; "))
}

// ProcessSpawnError wraps a failure to start an agent process
type ProcessSpawnError struct {
	Command string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// ProcessTimeoutError is recorded when the health monitor kills a runaway process
type ProcessTimeoutError struct {
	TaskID  string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded timeout %s (ran %s)", e.TaskID, e.Limit, e.Elapsed.Round(time.Millisecond))
}

// IsNotFound reports whether err is a TaskNotFoundError
func IsNotFound(err error) bool {
	var nf *TaskNotFoundError
	return errors.As(err, &nf)
}
