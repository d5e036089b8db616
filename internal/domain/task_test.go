package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"HIGH", PriorityHigh, false},
		{"", PriorityNormal, false},
		{"normal", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"urgent", PriorityNormal, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePriority(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPriority_Rank(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityNormal.Rank() && PriorityNormal.Rank() < PriorityLow.Rank()) {
		t.Errorf("ranks out of order: high=%d normal=%d low=%d",
			PriorityHigh.Rank(), PriorityNormal.Rank(), PriorityLow.Rank())
	}
	if PriorityNormal.String() != "normal" {
		t.Errorf("PriorityNormal.String() = %q", PriorityNormal.String())
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestTask_Clone(t *testing.T) {
	started := time.Now()
	orig := Task{
		ID:        "a",
		Env:       map[string]string{"K": "v"},
		Metadata:  map[string]string{"m": "1"},
		StartedAt: &started,
		Result:    &Result{Text: "ok", Usage: &Usage{InputTokens: 1}},
	}

	c := orig.Clone()
	c.Env["K"] = "changed"
	c.Metadata["m"] = "2"
	*c.StartedAt = started.Add(time.Hour)
	c.Result.Usage.InputTokens = 99

	if orig.Env["K"] != "v" || orig.Metadata["m"] != "1" {
		t.Error("Clone shares maps with original")
	}
	if !orig.StartedAt.Equal(started) {
		t.Error("Clone shares StartedAt with original")
	}
	if orig.Result.Usage.InputTokens != 1 {
		t.Error("Clone shares Result.Usage with original")
	}
}

func TestTask_EffectiveTimeout(t *testing.T) {
	task := Task{}
	if got := task.EffectiveTimeout(time.Minute); got != time.Minute {
		t.Errorf("EffectiveTimeout() = %v, want default", got)
	}
	task.Timeout = time.Second
	if got := task.EffectiveTimeout(time.Minute); got != time.Second {
		t.Errorf("EffectiveTimeout() = %v, want override", got)
	}
}

func TestAgentUnavailableError_Message(t *testing.T) {
	err := &AgentUnavailableError{
		TaskKind: "x-ray",
		Attempts: []ProbeAttempt{
			{Kind: "claude-code", Reason: "executable not found"},
			{Kind: "codex", Reason: "not authenticated"},
		},
	}
	msg := err.Error()
	for _, want := range []string{"x-ray", "claude-code", "executable not found", "codex"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	var target *AgentUnavailableError
	if !errors.As(fmt.Errorf("selecting: %w", err), &target) {
		t.Error("errors.As failed through wrapping")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("lookup: %w", &TaskNotFoundError{ID: "x"})) {
		t.Error("IsNotFound() = false for wrapped TaskNotFoundError")
	}
	if IsNotFound(ErrTaskAlreadyTerminal) {
		t.Error("IsNotFound() = true for unrelated error")
	}
}
