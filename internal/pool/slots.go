package pool

import "github.com/hochfrequenz/agent-pool/internal/domain"

// slotTable tracks the fixed worker slots. Guarded by Pool.mu.
type slotTable struct {
	workers []domain.Worker
	busy    int
}

func newSlotTable(n int) *slotTable {
	workers := make([]domain.Worker, n)
	for i := range workers {
		workers[i] = domain.Worker{SlotID: i, State: domain.WorkerIdle}
	}
	return &slotTable{workers: workers}
}

// assign claims the lowest idle slot for taskID. Returns -1 when all are busy.
func (s *slotTable) assign(taskID string) int {
	for i := range s.workers {
		if s.workers[i].State == domain.WorkerIdle {
			s.workers[i].State = domain.WorkerBusy
			s.workers[i].CurrentTaskID = taskID
			s.busy++
			return i
		}
	}
	return -1
}

// release frees a slot and credits the outcome to it
func (s *slotTable) release(slot int, status domain.TaskStatus) {
	if slot < 0 || slot >= len(s.workers) || s.workers[slot].State != domain.WorkerBusy {
		return
	}
	w := &s.workers[slot]
	w.State = domain.WorkerIdle
	w.CurrentTaskID = ""
	switch status {
	case domain.StatusCompleted:
		w.TasksCompleted++
	case domain.StatusFailed:
		w.TasksFailed++
	}
	s.busy--
}

func (s *slotTable) hasIdle() bool {
	return s.busy < len(s.workers)
}

func (s *slotTable) snapshot() []domain.Worker {
	out := make([]domain.Worker, len(s.workers))
	copy(out, s.workers)
	return out
}
