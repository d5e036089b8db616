package pool

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/domain"
)

var errNoResultMessage = errors.New("agent exited without a result message")

// streamMessage covers the stream-json lines we care about
type streamMessage struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype"`
	Result  string  `json:"result"`
	IsError bool    `json:"is_error"`
	CostUSD float64 `json:"total_cost_usd"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseResult turns a successful agent's stdout into a Result
func parseResult(format agents.OutputFormat, stdout []string) (domain.Result, error) {
	if format != agents.OutputStreamJSON {
		return domain.Result{Text: strings.TrimSpace(strings.Join(stdout, "\n"))}, nil
	}

	for i := len(stdout) - 1; i >= 0; i-- {
		line := strings.TrimSpace(stdout[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != "result" {
			continue
		}
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			reason := msg.Result
			if reason == "" {
				reason = msg.Subtype
			}
			return domain.Result{}, errors.New("agent reported error: " + reason)
		}
		return domain.Result{
			Text:    msg.Result,
			CostUSD: msg.CostUSD,
			Usage: &domain.Usage{
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			},
		}, nil
	}
	return domain.Result{}, errNoResultMessage
}

// extractError looks for an error message near the end of an agent's output.
// OpenCode emits {"type":"error","error":{"name":..,"data":{"message":..}}};
// Claude emits {"type":"error","error":"..."}.
func extractError(lines []string) string {
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe struct {
			Type  string          `json:"type"`
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.Type != "error" {
			continue
		}

		var plain string
		if err := json.Unmarshal(probe.Error, &plain); err == nil && plain != "" {
			return plain
		}
		var nested struct {
			Name string `json:"name"`
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(probe.Error, &nested); err == nil {
			if nested.Data.Message != "" {
				return nested.Data.Message
			}
			if nested.Name != "" {
				return nested.Name
			}
		}
	}
	return ""
}

// lastLine returns the last non-empty line
func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
