package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

// Listener turns finished-task events into notifications. Sending happens on
// its own goroutine; events are dropped when the queue is full.
type Listener struct {
	notifier  Notifier
	onSuccess bool
	log       *log.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewListener starts the send goroutine. onSuccess controls whether
// completed tasks notify; failures and cancellations always do.
func NewListener(n Notifier, onSuccess bool, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	l := &Listener{
		notifier:  n,
		onSuccess: onSuccess,
		log:       logger,
		queue:     make(chan Notification, 32),
		done:      make(chan struct{}),
	}
	go l.run()
	return l
}

// HandleEvent implements pool.Listener
func (l *Listener) HandleEvent(ev pool.Event) {
	if ev.Type != pool.EventFinished {
		return
	}
	n, ok := l.build(ev.Task)
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- n:
	default:
		l.log.Printf("[notify] queue full, dropping notification for %s", ev.Task.ID)
	}
}

func (l *Listener) build(task domain.Task) (Notification, bool) {
	n := Notification{TaskID: task.ID, Fields: make(map[string]string)}
	if d := task.Duration(); d > 0 {
		n.Fields["duration"] = d.Round(time.Second).String()
	}

	switch task.Status {
	case domain.StatusCompleted:
		if !l.onSuccess {
			return n, false
		}
		n.Type = NotifySuccess
		n.Title = "Task completed"
		n.Message = truncate(task.Description, 200)
		if task.Result != nil {
			n.Fields["agent"] = task.Result.AgentKind
		}
	case domain.StatusFailed:
		n.Type = NotifyError
		n.Title = "Task failed"
		n.Message = truncate(task.Description, 200)
		if task.Error != nil {
			n.Message = fmt.Sprintf("%s\n%s", n.Message, truncate(task.Error.Error(), 300))
			if task.Error.AgentKind != "" {
				n.Fields["agent"] = task.Error.AgentKind
			}
		}
	case domain.StatusCancelled:
		n.Type = NotifyWarning
		n.Title = "Task cancelled"
		n.Message = truncate(task.Description, 200)
	default:
		return n, false
	}
	return n, true
}

func (l *Listener) run() {
	for n := range l.queue {
		if err := l.notifier.Send(n); err != nil {
			l.log.Printf("[notify] failed to send notification for %s: %v", n.TaskID, err)
		}
	}
	close(l.done)
}

// Close sends what is queued and stops the goroutine
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
