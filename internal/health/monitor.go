// Package health enforces task timeouts and watches for lost agent processes.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/supervisor"
)

// Inflight is a running task. Handle is only meaningful when Spawned is set;
// before that the task is still selecting an agent or waiting to spawn.
type Inflight struct {
	TaskID    string
	Handle    supervisor.Handle
	Spawned   bool
	StartedAt time.Time
	Timeout   time.Duration
}

// Target is the scheduler side of the monitor
type Target interface {
	// Inflight lists running tasks, spawned or not
	Inflight() []Inflight
	// Expire claims the timeout outcome for a task and stops any work that
	// has not reached a process yet. It returns false if the task already
	// resolved some other way.
	Expire(taskID string, elapsed, limit time.Duration) bool
}

// Processes is the subset of the supervisor the monitor needs
type Processes interface {
	Poll(h supervisor.Handle) supervisor.State
	Terminate(h supervisor.Handle, grace time.Duration) error
}

// Options configures a Monitor
type Options struct {
	Interval time.Duration
	Grace    time.Duration
	Logger   *log.Logger
}

// Monitor periodically checks in-flight tasks
type Monitor struct {
	target Target
	procs  Processes
	opts   Options
	log    *log.Logger

	mu   sync.Mutex
	lost map[string]bool
	wg   sync.WaitGroup
}

// NewMonitor creates a Monitor
func NewMonitor(target Target, procs Processes, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Monitor{
		target: target,
		procs:  procs,
		opts:   opts,
		log:    opts.Logger,
		lost:   make(map[string]bool),
	}
}

// Run checks every interval until ctx is done, then waits for pending
// terminations.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	defer m.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check runs one pass and returns the ids of tasks it timed out. Timed-out
// processes are terminated in the background; Wait blocks until they exit.
func (m *Monitor) Check(now time.Time) []string {
	var expired []string
	seen := make(map[string]bool)

	for _, f := range m.target.Inflight() {
		seen[f.TaskID] = true

		if f.Spawned && m.procs.Poll(f.Handle).Phase == supervisor.PhaseGone {
			m.markLost(f.TaskID)
			continue
		}

		if f.Timeout <= 0 {
			continue
		}
		elapsed := now.Sub(f.StartedAt)
		if elapsed <= f.Timeout {
			continue
		}
		if !m.target.Expire(f.TaskID, elapsed, f.Timeout) {
			continue
		}

		m.log.Printf("[health] task %s exceeded timeout %s (running %s), terminating", f.TaskID, f.Timeout, elapsed.Round(time.Second))
		expired = append(expired, f.TaskID)
		if !f.Spawned {
			continue
		}
		m.wg.Add(1)
		go func(f Inflight) {
			defer m.wg.Done()
			if err := m.procs.Terminate(f.Handle, m.opts.Grace); err != nil {
				m.log.Printf("[health] terminating task %s: %v", f.TaskID, err)
			}
		}(f)
	}

	m.mu.Lock()
	for id := range m.lost {
		if !seen[id] {
			delete(m.lost, id)
		}
	}
	m.mu.Unlock()

	return expired
}

// Wait blocks until terminations started by Check have returned
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) markLost(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost[taskID] {
		return
	}
	m.lost[taskID] = true
	m.log.Printf("[health] task %s is running but its process is no longer tracked", taskID)
}
