package health

import (
	"io"
	"log"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/supervisor"
)

type fakeTarget struct {
	mu       sync.Mutex
	inflight []Inflight
	claimed  map[string]bool
	expires  int
}

func (f *fakeTarget) Inflight() []Inflight {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.inflight)
}

func (f *fakeTarget) Expire(taskID string, elapsed, limit time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires++
	if f.claimed[taskID] {
		return false
	}
	f.claimed[taskID] = true
	return true
}

type fakeProcs struct {
	mu         sync.Mutex
	states     map[supervisor.Handle]supervisor.Phase
	terminated []supervisor.Handle
}

func (f *fakeProcs) Poll(h supervisor.Handle) supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if phase, ok := f.states[h]; ok {
		return supervisor.State{Phase: phase}
	}
	return supervisor.State{Phase: supervisor.PhaseRunning}
}

func (f *fakeProcs) Terminate(h supervisor.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h)
	return nil
}

func newMonitor(target *fakeTarget, procs *fakeProcs) *Monitor {
	return NewMonitor(target, procs, Options{
		Interval: time.Millisecond,
		Grace:    time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})
}

func TestCheck_ExpiresOverdueTasks(t *testing.T) {
	now := time.Now()
	target := &fakeTarget{
		claimed: map[string]bool{},
		inflight: []Inflight{
			{TaskID: "overdue", Handle: 1, Spawned: true, StartedAt: now.Add(-2 * time.Minute), Timeout: time.Minute},
			{TaskID: "fresh", Handle: 2, Spawned: true, StartedAt: now.Add(-10 * time.Second), Timeout: time.Minute},
			{TaskID: "unlimited", Handle: 3, Spawned: true, StartedAt: now.Add(-time.Hour), Timeout: 0},
		},
	}
	procs := &fakeProcs{}
	m := newMonitor(target, procs)

	expired := m.Check(now)
	m.Wait()

	if !slices.Equal(expired, []string{"overdue"}) {
		t.Errorf("Check() = %v, want [overdue]", expired)
	}
	if !slices.Equal(procs.terminated, []supervisor.Handle{1}) {
		t.Errorf("terminated = %v, want [1]", procs.terminated)
	}
}

func TestCheck_LoserIsNoop(t *testing.T) {
	now := time.Now()
	target := &fakeTarget{
		claimed:  map[string]bool{"raced": true},
		inflight: []Inflight{{TaskID: "raced", Handle: 7, Spawned: true, StartedAt: now.Add(-time.Hour), Timeout: time.Second}},
	}
	procs := &fakeProcs{}
	m := newMonitor(target, procs)

	if expired := m.Check(now); len(expired) != 0 {
		t.Errorf("Check() = %v, want none", expired)
	}
	m.Wait()
	if len(procs.terminated) != 0 {
		t.Errorf("terminated = %v, want none", procs.terminated)
	}
	if target.expires != 1 {
		t.Errorf("Expire calls = %d, want 1", target.expires)
	}
}

func TestCheck_SkipsLostProcesses(t *testing.T) {
	now := time.Now()
	target := &fakeTarget{
		claimed:  map[string]bool{},
		inflight: []Inflight{{TaskID: "lost", Handle: 9, Spawned: true, StartedAt: now.Add(-time.Hour), Timeout: time.Second}},
	}
	procs := &fakeProcs{states: map[supervisor.Handle]supervisor.Phase{9: supervisor.PhaseGone}}
	m := newMonitor(target, procs)

	m.Check(now)
	m.Check(now)
	if target.expires != 0 {
		t.Errorf("Expire called %d times for a lost process", target.expires)
	}
	if !m.lost["lost"] {
		t.Error("lost task not recorded")
	}

	target.inflight = nil
	m.Check(now)
	if m.lost["lost"] {
		t.Error("lost record not cleared after task left inflight set")
	}
}

func TestCheck_ExpiresTasksBeforeSpawn(t *testing.T) {
	now := time.Now()
	target := &fakeTarget{
		claimed:  map[string]bool{},
		inflight: []Inflight{{TaskID: "probing", StartedAt: now.Add(-time.Minute), Timeout: time.Second}},
	}
	procs := &fakeProcs{states: map[supervisor.Handle]supervisor.Phase{0: supervisor.PhaseGone}}
	m := newMonitor(target, procs)

	expired := m.Check(now)
	m.Wait()

	if !slices.Equal(expired, []string{"probing"}) {
		t.Errorf("Check() = %v, want [probing]", expired)
	}
	if len(procs.terminated) != 0 {
		t.Errorf("terminated = %v, want none without a process", procs.terminated)
	}
	if m.lost["probing"] {
		t.Error("unspawned task reported as lost")
	}
}
