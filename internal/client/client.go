// Package client talks to a running agent-pool server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/batch"
	"github.com/hochfrequenz/agent-pool/web/api"
)

// APIError is a non-2xx reply from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is an agent-pool API client
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, such as http://127.0.0.1:8420
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit queues a task and returns its id
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Task returns a task from the pool or history
func (c *Client) Task(ctx context.Context, id string) (api.TaskResponse, error) {
	var resp api.TaskResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Active lists queued and running tasks
func (c *Client) Active(ctx context.Context) ([]api.TaskResponse, error) {
	var resp []api.TaskResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &resp)
	return resp, err
}

// Stats returns worker and queue statistics
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var resp api.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp)
	return resp, err
}

// Cancel asks the server to cancel a task. A 404 is returned as an error;
// an already finished task is a false result with a reason.
func (c *Client) Cancel(ctx context.Context, id string) (api.CancelResponse, error) {
	var resp api.CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Agents probes the registered agents
func (c *Client) Agents(ctx context.Context) ([]agents.Availability, error) {
	var resp []agents.Availability
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp)
	return resp, err
}

// History lists finished tasks, newest first
func (c *Client) History(ctx context.Context, status string, limit int) ([]api.TaskResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp []api.TaskResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Schedules lists the cron schedules
func (c *Client) Schedules(ctx context.Context) ([]batch.Info, error) {
	var resp []batch.Info
	err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &resp)
	return resp, err
}

// RunSchedule triggers a schedule now
func (c *Client) RunSchedule(ctx context.Context, name string) (string, error) {
	var resp api.ScheduleRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/schedules/"+url.PathEscape(name)+"/run", nil, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Wait polls until the task is terminal or ctx is done
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (api.TaskResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return task, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamOutput calls fn for each output frame of a task until the end frame,
// which is returned.
func (c *Client) StreamOutput(ctx context.Context, id string, fn func(api.OutputMessage) error) (api.OutputMessage, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/tasks/" + url.PathEscape(id) + "/output"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return api.OutputMessage{}, &APIError{StatusCode: resp.StatusCode, Message: "cannot stream output"}
		}
		return api.OutputMessage{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg api.OutputMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return api.OutputMessage{}, ctx.Err()
			}
			return api.OutputMessage{}, fmt.Errorf("reading output: %w", err)
		}
		if msg.Type == api.OutputEnd {
			return msg, nil
		}
		if err := fn(msg); err != nil {
			return api.OutputMessage{}, err
		}
	}
}
