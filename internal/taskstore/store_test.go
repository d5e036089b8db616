package taskstore

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

func finishedTask(id string, status domain.TaskStatus, completed time.Time) domain.Task {
	started := completed.Add(-time.Minute)
	task := domain.Task{
		ID:          id,
		Description: "do " + id,
		Kind:        "code-edit",
		Priority:    domain.PriorityHigh,
		Status:      status,
		CreatedAt:   started.Add(-time.Second),
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	switch status {
	case domain.StatusCompleted:
		task.Result = &domain.Result{
			AgentKind: "claude-code",
			Text:      "done",
			Usage:     &domain.Usage{InputTokens: 10, OutputTokens: 5},
			CostUSD:   0.25,
		}
	case domain.StatusFailed:
		task.Error = &domain.TaskError{Kind: domain.ErrorExit, Message: "exit status 1", AgentKind: "codex", ExitCode: 1}
	}
	return task
}

func TestStore_RecordAndGetTask(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	task := finishedTask("t1", domain.StatusCompleted, time.Now())
	task.Metadata = map[string]string{"ticket": "42"}
	if err := store.RecordTask(task); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != task.Description {
		t.Errorf("Description = %q, want %q", got.Description, task.Description)
	}
	if got.Priority != domain.PriorityHigh {
		t.Errorf("Priority = %q, want high", got.Priority)
	}
	if got.Result == nil || got.Result.Usage == nil || got.Result.Usage.InputTokens != 10 {
		t.Errorf("Result = %+v", got.Result)
	}
	if got.Metadata["ticket"] != "42" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.GetTask("missing")
	if !domain.IsNotFound(err) {
		t.Errorf("GetTask() error = %v, want TaskNotFoundError", err)
	}
}

func TestStore_RecordTaskReplaces(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.RecordTask(finishedTask("t1", domain.StatusFailed, now)); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTask(finishedTask("t1", domain.StatusCompleted, now)); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListRecent(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Status != domain.StatusCompleted {
		t.Errorf("ListRecent() = %+v, want one completed task", all)
	}
}

func TestStore_ListRecent(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	base := time.Now()
	tasks := []domain.Task{
		finishedTask("old", domain.StatusCompleted, base.Add(-2*time.Hour)),
		finishedTask("mid", domain.StatusFailed, base.Add(-time.Hour)),
		finishedTask("new", domain.StatusCompleted, base),
	}
	for _, task := range tasks {
		if err := store.RecordTask(task); err != nil {
			t.Fatal(err)
		}
	}

	// List all, newest first
	all, err := store.ListRecent(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("All tasks count = %d, want 3", len(all))
	}
	if all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("order = %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	// Filter by status
	completed, err := store.ListRecent(ListOptions{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 {
		t.Errorf("Completed count = %d, want 2", len(completed))
	}

	// Limit
	limited, err := store.ListRecent(ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "new" {
		t.Errorf("Limited = %+v", limited)
	}
}

func TestStore_Summarize(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	for i, status := range []domain.TaskStatus{domain.StatusCompleted, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		id := string(rune('a' + i))
		if err := store.RecordTask(finishedTask(id, status, now)); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := store.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if sum.ByStatus[domain.StatusCompleted] != 2 || sum.ByStatus[domain.StatusFailed] != 1 || sum.ByStatus[domain.StatusCancelled] != 1 {
		t.Errorf("ByStatus = %v", sum.ByStatus)
	}
	if sum.TokensInput != 20 || sum.TokensOutput != 10 {
		t.Errorf("tokens = %d/%d, want 20/10", sum.TokensInput, sum.TokensOutput)
	}
	if sum.CostUSD < 0.49 || sum.CostUSD > 0.51 {
		t.Errorf("CostUSD = %v, want 0.5", sum.CostUSD)
	}
}

func TestStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTask(finishedTask("t1", domain.StatusCompleted, time.Now())); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if _, err := reopened.GetTask("t1"); err != nil {
		t.Errorf("GetTask() after reopen error = %v", err)
	}
}

func TestRecorder_RecordsFinishedOnly(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rec := NewRecorder(store, log.New(io.Discard, "", 0))
	now := time.Now()
	rec.HandleEvent(pool.Event{Type: pool.EventSubmitted, Task: domain.Task{ID: "queued", Status: domain.StatusQueued, CreatedAt: now}})
	rec.HandleEvent(pool.Event{Type: pool.EventFinished, Task: finishedTask("done", domain.StatusCompleted, now)})
	rec.Close()

	// Close is idempotent and later events are still written
	rec.Close()
	rec.HandleEvent(pool.Event{Type: pool.EventFinished, Task: finishedTask("late", domain.StatusCancelled, now)})

	all, err := store.ListRecent(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("recorded %d tasks, want 2", len(all))
	}
	if _, err := store.GetTask("queued"); !domain.IsNotFound(err) {
		t.Errorf("queued task was recorded")
	}
}
