package domain

import (
	"maps"
	"time"
)

// Task is a snapshot of a unit of work handed to an external agent.
// The pool owns the live record; callers only ever see copies.
type Task struct {
	ID             string            `json:"id"`
	Description    string            `json:"description"`
	Kind           string            `json:"kind"`
	Priority       Priority          `json:"priority,omitempty"`
	Status         TaskStatus        `json:"status"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PreferredAgent string            `json:"preferred_agent,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Set only while running
	AgentKind string `json:"agent_kind,omitempty"`
	PID       int    `json:"pid,omitempty"`
	WorkerID  *int   `json:"worker_id,omitempty"`

	Result *Result    `json:"result,omitempty"`
	Error  *TaskError `json:"error,omitempty"`

	// Output is the retained tail of the agent's output. OutputPartial is
	// set when the process was killed or the tail dropped earlier chunks.
	Output        string `json:"output,omitempty"`
	OutputPartial bool   `json:"output_partial,omitempty"`
}

// Result is the outcome of a successful task
type Result struct {
	AgentKind string  `json:"agent_kind"`
	ExitCode  int     `json:"exit_code"`
	Text      string  `json:"text"`
	Usage     *Usage  `json:"usage,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Usage holds token counts reported by agents that emit them
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TaskError is the recorded reason a task failed
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	AgentKind string    `json:"agent_kind,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// IsActive returns true for tasks that have not reached a terminal state
func (t *Task) IsActive() bool {
	return !t.Status.IsTerminal()
}

// Duration returns how long the task has been running, or ran for
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// EffectiveTimeout returns the per-task timeout, or def when none was set
func (t *Task) EffectiveTimeout(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return def
}

// Clone returns a copy that shares no mutable state with t
func (t Task) Clone() Task {
	t.Env = maps.Clone(t.Env)
	t.Metadata = maps.Clone(t.Metadata)
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	if t.WorkerID != nil {
		v := *t.WorkerID
		t.WorkerID = &v
	}
	if t.Result != nil {
		r := *t.Result
		if r.Usage != nil {
			u := *r.Usage
			r.Usage = &u
		}
		t.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}

// Worker describes one fixed slot of the pool
type Worker struct {
	SlotID         int         `json:"slot_id"`
	State          WorkerState `json:"state"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
}

// PoolStats is the aggregate view returned by the stats operation
type PoolStats struct {
	MaxWorkers  int      `json:"max_workers"`
	BusyWorkers int      `json:"busy_workers"`
	QueueDepth  int      `json:"queue_depth"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Cancelled   int      `json:"cancelled"`
	Workers     []Worker `json:"workers"`
}
