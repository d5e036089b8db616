package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/agent-pool/internal/pool"
)

const sseClientBuffer = 64

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SSEHub fans events out to connected clients. A client that falls behind by
// more than its buffer is disconnected.
type SSEHub struct {
	mu      sync.Mutex
	clients map[chan SSEEvent]struct{}
	closed  bool
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{clients: make(map[chan SSEEvent]struct{})}
}

func (h *SSEHub) register() (chan SSEEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	client := make(chan SSEEvent, sseClientBuffer)
	h.clients[client] = struct{}{}
	return client, true
}

func (h *SSEHub) unregister(client chan SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
}

// Broadcast sends an event to all clients without blocking
func (h *SSEHub) Broadcast(event SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- event:
		default:
			delete(h.clients, client)
			close(client)
		}
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client)
	}
}

// sseHandler streams pool events. ?task=<id> limits the stream to one task.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		client, ok := s.sseHub.register()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		defer s.sseHub.unregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		taskFilter := r.URL.Query().Get("task")
		for {
			select {
			case <-r.Context().Done():
				return
			case event, open := <-client:
				if !open {
					return
				}
				if taskFilter != "" {
					if ev, ok := event.Data.(pool.Event); ok && ev.Task.ID != taskFilter {
						continue
					}
				}
				data, err := json.Marshal(event.Data)
				if err != nil {
					s.log.Printf("[api] encoding event: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
