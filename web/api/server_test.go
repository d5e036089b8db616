package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/batch"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/observer"
	"github.com/hochfrequenz/agent-pool/internal/pool"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
	"github.com/hochfrequenz/agent-pool/internal/taskstore"
)

type mockPool struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	submitted []pool.Request
	cursors   map[string]*supervisor.Cursor
	closed    bool
}

func newMockPool(tasks ...domain.Task) *mockPool {
	m := &mockPool{tasks: make(map[string]domain.Task), cursors: make(map[string]*supervisor.Cursor)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *mockPool) Submit(req pool.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", domain.ErrPoolClosed
	}
	if req.Description == "" {
		return "", domain.ErrInvalidTask
	}
	m.submitted = append(m.submitted, req)
	id := "new-task"
	m.tasks[id] = domain.Task{ID: id, Description: req.Description, Status: domain.StatusQueued}
	return id, nil
}

func (m *mockPool) Status(id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.TaskNotFoundError{ID: id}
	}
	return t, nil
}

func (m *mockPool) Cancel(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, &domain.TaskNotFoundError{ID: id}
	}
	if t.Status.IsTerminal() {
		return false, domain.ErrTaskAlreadyTerminal
	}
	t.Status = domain.StatusCancelled
	m.tasks[id] = t
	return true, nil
}

func (m *mockPool) ListActive() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

func (m *mockPool) Stats() domain.PoolStats {
	return domain.PoolStats{MaxWorkers: 3, BusyWorkers: 1, QueueDepth: 1}
}

func (m *mockPool) QueuePosition(id string) int {
	if t, _ := m.Status(id); t.Status == domain.StatusQueued {
		return 0
	}
	return -1
}

func (m *mockPool) Output(id string) (*supervisor.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[id]; ok {
		return c, nil
	}
	if _, ok := m.tasks[id]; ok {
		return nil, errors.New("task has no process output")
	}
	return nil, &domain.TaskNotFoundError{ID: id}
}

type mockHistory struct {
	tasks []domain.Task
	opts  taskstore.ListOptions
}

func (h *mockHistory) GetTask(id string) (domain.Task, error) {
	for _, t := range h.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, &domain.TaskNotFoundError{ID: id}
}

func (h *mockHistory) ListRecent(opts taskstore.ListOptions) ([]domain.Task, error) {
	h.opts = opts
	return h.tasks, nil
}

type mockAgents struct{}

func (mockAgents) Report(ctx context.Context) []agents.Availability {
	return []agents.Availability{
		{Kind: "claude-code", Available: true},
		{Kind: "codex", Available: false, Reason: "executable not found in PATH"},
	}
}

type mockSchedules struct{ runs []string }

func (m *mockSchedules) List() []batch.Info {
	return []batch.Info{{Name: "nightly", Cron: "0 2 * * *"}}
}

func (m *mockSchedules) RunNow(name string) (string, error) {
	if name != "nightly" {
		return "", batch.ErrUnknownSchedule
	}
	m.runs = append(m.runs, name)
	return "sched-task", nil
}

func newTestServer(p *mockPool, h History) *Server {
	obs, _ := observer.New(p)
	opts := Options{
		Pool:      p,
		Agents:    mockAgents{},
		Metrics:   obs,
		Schedules: &mockSchedules{},
		Logger:    log.New(io.Discard, "", 0),
	}
	if h != nil {
		opts.History = h
	}
	return NewServer(opts)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitHandler(t *testing.T) {
	p := newMockPool()
	s := newTestServer(p, nil)

	w := do(t, s, "POST", "/api/tasks", `{"description":"fix bug","kind":"code-edit","priority":"high","timeout":"90s"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp SubmitResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TaskID != "new-task" {
		t.Errorf("TaskID = %q", resp.TaskID)
	}

	req := p.submitted[0]
	if req.Priority != domain.PriorityHigh || req.Timeout != 90*time.Second || req.Kind != "code-edit" {
		t.Errorf("request = %+v", req)
	}
}

func TestSubmitHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"unknown field", `{"description":"x","colour":"red"}`},
		{"bad priority", `{"description":"x","priority":"urgent"}`},
		{"bad timeout", `{"description":"x","timeout":"soon"}`},
		{"empty description", `{"description":""}`},
	}
	s := newTestServer(newMockPool(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, s, "POST", "/api/tasks", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSubmitHandler_PoolClosed(t *testing.T) {
	p := newMockPool()
	p.closed = true
	if w := do(t, newTestServer(p, nil), "POST", "/api/tasks", `{"description":"x"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
}

func TestListActiveHandler(t *testing.T) {
	p := newMockPool(
		domain.Task{ID: "a", Status: domain.StatusRunning},
		domain.Task{ID: "b", Status: domain.StatusQueued},
		domain.Task{ID: "c", Status: domain.StatusCompleted},
	)
	w := do(t, newTestServer(p, nil), "GET", "/api/tasks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var tasks []TaskResponse
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 2 {
		t.Fatalf("Task count = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.ID == "b" && (task.QueuePosition == nil || *task.QueuePosition != 0) {
			t.Errorf("queued task position = %v", task.QueuePosition)
		}
	}
}

func TestGetTaskHandler(t *testing.T) {
	p := newMockPool(domain.Task{ID: "live", Status: domain.StatusRunning})
	h := &mockHistory{tasks: []domain.Task{{ID: "old", Status: domain.StatusCompleted}}}
	s := newTestServer(p, h)

	var resp TaskResponse
	w := do(t, s, "GET", "/api/tasks/live", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Source != sourceLive {
		t.Errorf("live: code = %d, source = %q", w.Code, resp.Source)
	}

	w = do(t, s, "GET", "/api/tasks/old", "")
	resp = TaskResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Source != sourceHistory || resp.Status != domain.StatusCompleted {
		t.Errorf("history: code = %d, resp = %+v", w.Code, resp)
	}

	if w := do(t, s, "GET", "/api/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: code = %d, want 404", w.Code)
	}
}

func TestCancelHandler(t *testing.T) {
	p := newMockPool(
		domain.Task{ID: "run", Status: domain.StatusRunning},
		domain.Task{ID: "done", Status: domain.StatusCompleted},
	)
	s := newTestServer(p, nil)

	tests := []struct {
		id        string
		wantCode  int
		cancelled bool
	}{
		{"run", http.StatusOK, true},
		{"done", http.StatusOK, false},
		{"ghost", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			w := do(t, s, "POST", "/api/tasks/"+tt.id+"/cancel", "")
			if w.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp CancelResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Cancelled != tt.cancelled {
				t.Errorf("Cancelled = %v, want %v", resp.Cancelled, tt.cancelled)
			}
			if !tt.cancelled && resp.Reason == "" {
				t.Error("Reason should explain why nothing was cancelled")
			}
		})
	}
}

func TestStatsHandler(t *testing.T) {
	w := do(t, newTestServer(newMockPool(), nil), "GET", "/api/stats", "")
	var resp StatsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.MaxWorkers != 3 || resp.BusyWorkers != 1 || resp.QueueDepth != 1 {
		t.Errorf("stats = %+v", resp.PoolStats)
	}
	if resp.Totals == nil {
		t.Error("Totals missing with metrics configured")
	}
}

func TestAgentsHandler(t *testing.T) {
	w := do(t, newTestServer(newMockPool(), nil), "GET", "/api/agents", "")
	var resp []agents.Availability
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 2 || resp[1].Available {
		t.Errorf("agents = %+v", resp)
	}
}

func TestHistoryHandler(t *testing.T) {
	h := &mockHistory{tasks: []domain.Task{{ID: "x", Status: domain.StatusFailed}}}
	s := newTestServer(newMockPool(), h)

	w := do(t, s, "GET", "/api/history?status=failed&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	if h.opts.Status != domain.StatusFailed || h.opts.Limit != 5 {
		t.Errorf("opts = %+v", h.opts)
	}
	if w := do(t, s, "GET", "/api/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: code = %d, want 400", w.Code)
	}
	if w := do(t, newTestServer(newMockPool(), nil), "GET", "/api/history", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("disabled history: code = %d, want 501", w.Code)
	}
}

func TestScheduleHandlers(t *testing.T) {
	s := newTestServer(newMockPool(), nil)

	w := do(t, s, "GET", "/api/schedules", "")
	var infos []batch.Info
	json.NewDecoder(w.Body).Decode(&infos)
	if len(infos) != 1 || infos[0].Name != "nightly" {
		t.Errorf("schedules = %+v", infos)
	}

	w = do(t, s, "POST", "/api/schedules/nightly/run", "")
	var run ScheduleRunResponse
	json.NewDecoder(w.Body).Decode(&run)
	if w.Code != http.StatusAccepted || run.TaskID != "sched-task" {
		t.Errorf("run: code = %d, resp = %+v", w.Code, run)
	}
	if w := do(t, s, "POST", "/api/schedules/missing/run", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown schedule: code = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(t, newTestServer(newMockPool(), nil), "GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "agent_pool_workers_max 3") {
		t.Errorf("metrics: code = %d body = %s", w.Code, w.Body)
	}
}

func TestSSEHandler(t *testing.T) {
	s := newTestServer(newMockPool(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events?task=wanted", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// Wait for the connected comment so the client is registered
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	s.HandleEvent(pool.Event{Type: pool.EventSubmitted, Task: domain.Task{ID: "other"}})
	s.HandleEvent(pool.Event{Type: pool.EventFinished, Task: domain.Task{ID: "wanted", Status: domain.StatusCompleted}})

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	if eventLine != string(pool.EventFinished) {
		t.Errorf("event = %q, want filtered to finished event", eventLine)
	}
	var ev pool.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil || ev.Task.ID != "wanted" {
		t.Errorf("data = %q, err = %v", dataLine, err)
	}
}

func TestSSEHub_DropsSlowClient(t *testing.T) {
	hub := NewSSEHub()
	client, ok := hub.register()
	if !ok {
		t.Fatal("register failed")
	}
	for i := 0; i < sseClientBuffer+1; i++ {
		hub.Broadcast(SSEEvent{Type: "x"})
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d, want slow client dropped", hub.Clients())
	}
	n := 0
	for range client {
		n++
	}
	if n != sseClientBuffer {
		t.Errorf("drained %d events, want %d", n, sseClientBuffer)
	}

	hub.Close()
	if _, ok := hub.register(); ok {
		t.Error("register after Close should fail")
	}
}
