package agents

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled is returned by probes when the agent executable is missing
var ErrNotInstalled = errors.New("executable not found in PATH")

// Prober checks whether an agent can currently accept work
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Always is a probe that always succeeds
var Always = ProbeFunc(func(context.Context) error { return nil })

// CommandProbe looks the executable up in PATH and optionally runs a
// detection command such as `gh auth status`.
type CommandProbe struct {
	Executable string
	Args       []string
	Timeout    time.Duration
}

// Probe implements Prober
func (p CommandProbe) Probe(ctx context.Context) error {
	path, err := exec.LookPath(p.Executable)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Executable, ErrNotInstalled)
	}
	if len(p.Args) == 0 {
		return nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, p.Args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s timed out after %s", p.Executable, strings.Join(p.Args, " "), timeout)
		}
		msg := firstLine(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s: %s", p.Executable, strings.Join(p.Args, " "), msg)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// runProbe calls p, turning a panic into an error
func runProbe(ctx context.Context, p Prober) (err error) {
	if p == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Probe(ctx)
}
