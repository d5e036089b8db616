package observer

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

type fixedStats domain.PoolStats

func (f fixedStats) Stats() domain.PoolStats { return domain.PoolStats(f) }

func completedTask(id string, d time.Duration, in, out int) domain.Task {
	done := time.Now()
	started := done.Add(-d)
	return domain.Task{
		ID:          id,
		Status:      domain.StatusCompleted,
		StartedAt:   &started,
		CompletedAt: &done,
		Result: &domain.Result{
			AgentKind: "claude-code",
			Usage:     &domain.Usage{InputTokens: in, OutputTokens: out},
			CostUSD:   0.1,
		},
	}
}

func TestObserver_Metrics(t *testing.T) {
	obs, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	obs.RecordCompletion(completedTask("a", 5*time.Minute, 1000, 500))
	obs.RecordCompletion(completedTask("b", 10*time.Minute, 2000, 1000))

	metrics := obs.GetMetrics()

	if metrics.TotalCompleted != 2 {
		t.Errorf("TotalCompleted = %d, want 2", metrics.TotalCompleted)
	}
	if metrics.TotalTokensInput != 3000 {
		t.Errorf("TotalTokensInput = %d, want 3000", metrics.TotalTokensInput)
	}
	if metrics.AvgDuration != 7*time.Minute+30*time.Second {
		t.Errorf("AvgDuration = %v, want 7m30s", metrics.AvgDuration)
	}
	if got := testutil.ToFloat64(obs.tokens.WithLabelValues("output")); got != 1500 {
		t.Errorf("output tokens counter = %v, want 1500", got)
	}
}

func TestObserver_HandleEvent(t *testing.T) {
	obs, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	obs.HandleEvent(pool.Event{Type: pool.EventSubmitted})
	obs.HandleEvent(pool.Event{Type: pool.EventSubmitted})
	obs.HandleEvent(pool.Event{Type: pool.EventStarted})
	obs.HandleEvent(pool.Event{Type: pool.EventFinished, Task: domain.Task{
		Status: domain.StatusFailed,
		Error:  &domain.TaskError{Kind: domain.ErrorExit, AgentKind: "codex"},
	}})
	obs.HandleEvent(pool.Event{Type: pool.EventFinished, Task: domain.Task{Status: domain.StatusCancelled}})

	m := obs.GetMetrics()
	if m.TotalSubmitted != 2 || m.TotalFailed != 1 || m.TotalCancelled != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if got := testutil.ToFloat64(obs.finished.WithLabelValues("failed", "codex")); got != 1 {
		t.Errorf("failed/codex = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.submitted); got != 2 {
		t.Errorf("submitted = %v, want 2", got)
	}
}

func TestObserver_Handler(t *testing.T) {
	obs, err := New(fixedStats{MaxWorkers: 3, BusyWorkers: 2, QueueDepth: 4})
	if err != nil {
		t.Fatal(err)
	}
	obs.RecordCompletion(completedTask("a", time.Second, 1, 1))

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"agent_pool_workers_busy 2",
		"agent_pool_workers_max 3",
		"agent_pool_queue_depth 4",
		`agent_pool_tasks_finished_total{agent="claude-code",status="completed"} 1`,
		"agent_pool_task_duration_seconds_bucket",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
