package taskstore

import (
	"log"
	"sync"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

// Recorder persists finished tasks from pool events. Writes go through a
// single goroutine; when its queue is full the write happens inline.
type Recorder struct {
	store *Store
	log   *log.Logger

	mu     sync.RWMutex
	closed bool
	writes chan domain.Task
	done   chan struct{}
}

// NewRecorder starts the write goroutine. Call Close to drain it.
func NewRecorder(store *Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	r := &Recorder{
		store:  store,
		log:    logger,
		writes: make(chan domain.Task, 100),
		done:   make(chan struct{}),
	}
	go r.writer()
	return r
}

// HandleEvent implements pool.Listener
func (r *Recorder) HandleEvent(ev pool.Event) {
	if ev.Type != pool.EventFinished {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.record(ev.Task)
		return
	}
	select {
	case r.writes <- ev.Task:
	default:
		r.record(ev.Task)
	}
}

func (r *Recorder) writer() {
	for task := range r.writes {
		r.record(task)
	}
	close(r.done)
}

func (r *Recorder) record(task domain.Task) {
	if err := r.store.RecordTask(task); err != nil {
		r.log.Printf("[history] failed to record task %s: %v", task.ID, err)
	}
}

// Close waits for pending writes. Events after Close are written inline.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.writes)
	r.mu.Unlock()
	<-r.done
}
