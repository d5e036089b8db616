package pool

import (
	"time"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

// EventType names a task transition
type EventType string

const (
	EventSubmitted EventType = "task.submitted"
	EventStarted   EventType = "task.started"
	EventSpawned   EventType = "task.spawned"
	EventFinished  EventType = "task.finished"
)

// Event is delivered to listeners after each transition
type Event struct {
	Type EventType   `json:"type"`
	Task domain.Task `json:"task"`
	At   time.Time   `json:"at"`
}

// Listener receives pool events. It is called outside pool locks, but on the
// goroutine that made the transition, so it must not block.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }
