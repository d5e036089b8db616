package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/batch"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/observer"
	"github.com/hochfrequenz/agent-pool/internal/pool"
	"github.com/hochfrequenz/agent-pool/internal/taskstore"
)

// SubmitRequest is the body of POST /api/tasks
type SubmitRequest struct {
	Description    string            `json:"description"`
	Kind           string            `json:"kind,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PreferredAgent string            `json:"preferred_agent,omitempty"`
	Timeout        string            `json:"timeout,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SubmitResponse is returned when a task is accepted
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResponse is a task snapshot plus where it came from
type TaskResponse struct {
	domain.Task
	QueuePosition *int   `json:"queue_position,omitempty"`
	Source        string `json:"source"`
}

// CancelResponse is the result of a cancel request
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// StatsResponse is the pool state plus totals since start
type StatsResponse struct {
	domain.PoolStats
	Totals *observer.Metrics `json:"totals,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// ScheduleRunResponse is returned when a schedule is triggered
type ScheduleRunResponse struct {
	Schedule string `json:"schedule"`
	TaskID   string `json:"task_id"`
}

const (
	sourceLive    = "live"
	sourceHistory = "history"
)

// PoolRequest validates the request and converts it for the pool
func (r SubmitRequest) PoolRequest() (pool.Request, error) {
	prio, err := domain.ParsePriority(r.Priority)
	if err != nil {
		return pool.Request{}, err
	}
	var timeout time.Duration
	if r.Timeout != "" {
		timeout, err = time.ParseDuration(r.Timeout)
		if err != nil {
			return pool.Request{}, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}
	}
	return pool.Request{
		Description:    r.Description,
		Kind:           r.Kind,
		Priority:       prio,
		WorkDir:        r.WorkDir,
		Env:            r.Env,
		PreferredAgent: r.PreferredAgent,
		Timeout:        timeout,
		Metadata:       r.Metadata,
	}, nil
}

func (s *Server) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body SubmitRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		req, err := body.PoolRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		id, err := s.opts.Pool.Submit(req)
		switch {
		case errors.Is(err, domain.ErrInvalidTask):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, domain.ErrPoolClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusAccepted, SubmitResponse{TaskID: id})
	}
}

func (s *Server) listActiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks := s.opts.Pool.ListActive()
		resp := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp = append(resp, s.liveResponse(t))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) liveResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{Task: t, Source: sourceLive}
	if t.Status == domain.StatusQueued {
		if pos := s.opts.Pool.QueuePosition(t.ID); pos >= 0 {
			resp.QueuePosition = &pos
		}
	}
	return resp
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		task, err := s.opts.Pool.Status(id)
		if err == nil {
			writeJSON(w, s.liveResponse(task))
			return
		}
		if !domain.IsNotFound(err) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.opts.History != nil {
			if task, herr := s.opts.History.GetTask(id); herr == nil {
				writeJSON(w, TaskResponse{Task: task, Source: sourceHistory})
				return
			} else if !domain.IsNotFound(herr) {
				writeError(w, http.StatusInternalServerError, herr.Error())
				return
			}
		}
		writeError(w, http.StatusNotFound, err.Error())
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ok, err := s.opts.Pool.Cancel(id)
		switch {
		case err == nil:
			writeJSON(w, CancelResponse{Cancelled: ok})
		case domain.IsNotFound(err):
			writeJSONStatus(w, http.StatusNotFound, CancelResponse{Reason: err.Error()})
		case errors.Is(err, domain.ErrTaskAlreadyTerminal):
			writeJSON(w, CancelResponse{Reason: err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{PoolStats: s.opts.Pool.Stats()}
		if s.opts.Metrics != nil {
			m := s.opts.Metrics.GetMetrics()
			resp.Totals = &m
		}
		writeJSON(w, resp)
	}
}

func (s *Server) agentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Agents == nil {
			writeError(w, http.StatusNotImplemented, "agent registry not configured")
			return
		}
		writeJSON(w, s.opts.Agents.Report(r.Context()))
	}
}

func (s *Server) historyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.History == nil {
			writeError(w, http.StatusNotImplemented, "history is disabled")
			return
		}
		opts := taskstore.ListOptions{
			Status: domain.TaskStatus(r.URL.Query().Get("status")),
			Kind:   r.URL.Query().Get("kind"),
			Limit:  50,
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}
		tasks, err := s.opts.History.ListRecent(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp = append(resp, TaskResponse{Task: t, Source: sourceHistory})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) schedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Schedules == nil {
			writeJSON(w, []batch.Info{})
			return
		}
		writeJSON(w, s.opts.Schedules.List())
	}
}

func (s *Server) runScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if s.opts.Schedules == nil {
			writeError(w, http.StatusNotFound, "no schedules configured")
			return
		}
		id, err := s.opts.Schedules.RunNow(name)
		switch {
		case errors.Is(err, batch.ErrUnknownSchedule):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSONStatus(w, http.StatusAccepted, ScheduleRunResponse{Schedule: name, TaskID: id})
		}
	}
}
