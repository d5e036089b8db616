package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/batch"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/observer"
	"github.com/hochfrequenz/agent-pool/internal/pool"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
	"github.com/hochfrequenz/agent-pool/internal/taskstore"
)

// Scheduler is the task pool the API fronts
type Scheduler interface {
	Submit(req pool.Request) (string, error)
	Status(id string) (domain.Task, error)
	Cancel(id string) (bool, error)
	ListActive() []domain.Task
	Stats() domain.PoolStats
	QueuePosition(id string) int
	Output(id string) (*supervisor.Cursor, error)
}

// History serves tasks the pool no longer retains
type History interface {
	GetTask(id string) (domain.Task, error)
	ListRecent(opts taskstore.ListOptions) ([]domain.Task, error)
}

// AgentReporter probes the registered agents
type AgentReporter interface {
	Report(ctx context.Context) []agents.Availability
}

// Metrics exposes Prometheus output and running totals
type Metrics interface {
	Handler() http.Handler
	GetMetrics() observer.Metrics
}

// Schedules lists and triggers cron schedules
type Schedules interface {
	List() []batch.Info
	RunNow(name string) (string, error)
}

// Options configures a Server. Only Pool is required.
type Options struct {
	Addr      string
	Pool      Scheduler
	History   History
	Agents    AgentReporter
	Metrics   Metrics
	Schedules Schedules
	Logger    *log.Logger
}

// Server is the HTTP API server
type Server struct {
	opts   Options
	log    *log.Logger
	mux    *http.ServeMux
	sseHub *SSEHub
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Server{
		opts:   opts,
		log:    opts.Logger,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/tasks", s.submitHandler())
	s.mux.HandleFunc("GET /api/tasks", s.listActiveHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/output", s.outputHandler())
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())
	s.mux.HandleFunc("GET /api/agents", s.agentsHandler())
	s.mux.HandleFunc("GET /api/history", s.historyHandler())
	s.mux.HandleFunc("GET /api/schedules", s.schedulesHandler())
	s.mux.HandleFunc("POST /api/schedules/{name}/run", s.runScheduleHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HandleEvent implements pool.Listener by forwarding to SSE clients
func (s *Server) HandleEvent(ev pool.Event) {
	s.sseHub.Broadcast(SSEEvent{Type: string(ev.Type), Data: ev})
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Printf("[api] listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.sseHub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, ErrorResponse{Error: message})
}
