package pool

import (
	"errors"
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-pool/internal/agents"
)

func TestParseResult_Text(t *testing.T) {
	r, err := parseResult(agents.OutputText, []string{"", "  answer  ", ""})
	if err != nil {
		t.Fatalf("parseResult() error = %v", err)
	}
	if r.Text != "answer" {
		t.Errorf("Text = %q", r.Text)
	}
}

func TestParseResult_StreamJSON(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		wantText string
		wantErr  string
	}{
		{
			name: "result line",
			lines: []string{
				`{"type":"system","subtype":"init"}`,
				`{"type":"result","subtype":"success","result":"done","usage":{"input_tokens":3,"output_tokens":2}}`,
			},
			wantText: "done",
		},
		{
			name:    "error result",
			lines:   []string{`{"type":"result","subtype":"error_max_turns","is_error":true}`},
			wantErr: "error_max_turns",
		},
		{
			name:    "no result",
			lines:   []string{`{"type":"assistant"}`, "plain text"},
			wantErr: errNoResultMessage.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parseResult(agents.OutputStreamJSON, tt.lines)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("parseResult() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResult() error = %v", err)
			}
			if r.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", r.Text, tt.wantText)
			}
		})
	}
}

func TestParseResult_NoResultSentinel(t *testing.T) {
	_, err := parseResult(agents.OutputStreamJSON, nil)
	if !errors.Is(err, errNoResultMessage) {
		t.Errorf("error = %v, want errNoResultMessage", err)
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"opencode", []string{`{"type":"error","error":{"name":"APIError","data":{"message":"Unauthorized"}}}`}, "Unauthorized"},
		{"opencode name only", []string{`{"type":"error","error":{"name":"CreditsError"}}`}, "CreditsError"},
		{"claude", []string{"noise", `{"type":"error","error":"rate limited"}`}, "rate limited"},
		{"none", []string{"plain", `{"type":"result"}`}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractError(tt.lines); got != tt.want {
				t.Errorf("extractError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlotTable(t *testing.T) {
	s := newSlotTable(2)
	a := s.assign("a")
	b := s.assign("b")
	if a != 0 || b != 1 {
		t.Fatalf("assign() = %d, %d", a, b)
	}
	if s.hasIdle() || s.assign("c") != -1 {
		t.Error("full table accepted a third task")
	}

	s.release(a, "completed")
	s.release(a, "completed")
	if s.busy != 1 {
		t.Errorf("busy = %d after double release, want 1", s.busy)
	}
	if w := s.snapshot()[0]; w.TasksCompleted != 1 || w.CurrentTaskID != "" {
		t.Errorf("slot 0 = %+v", w)
	}
}
