// Package agents describes the external coding agents the pool can run and
// picks one for each task.
package agents

import (
	"bytes"
	"fmt"
	"slices"
	"text/template"

	"github.com/hochfrequenz/agent-pool/internal/supervisor"
)

// AnyKind matches every task kind
const AnyKind = "any"

// OutputFormat tells the pool how to read an agent's stdout
type OutputFormat string

const (
	// OutputText treats trimmed stdout as the result
	OutputText OutputFormat = "text"
	// OutputStreamJSON expects newline-delimited JSON ending in a result message
	OutputStreamJSON OutputFormat = "stream-json"
)

// Capability is one registered agent
type Capability struct {
	Kind       string
	TaskKinds  []string
	Rank       int
	Probe      Prober
	Invocation Invocation
}

// Supports reports whether the agent accepts tasks of the given kind
func (c Capability) Supports(taskKind string) bool {
	return slices.Contains(c.TaskKinds, AnyKind) || slices.Contains(c.TaskKinds, taskKind)
}

// Invocation is the command used to hand a task to an agent. Args are
// text/template strings rendered with Params.
type Invocation struct {
	Command      string
	Args         []string
	Env          map[string]string
	OutputFormat OutputFormat
}

// Params are the values available to invocation templates
type Params struct {
	TaskID      string
	Description string
	Kind        string
	WorkDir     string
	Metadata    map[string]string
}

func (inv Invocation) templates() ([]*template.Template, error) {
	tmpls := make([]*template.Template, len(inv.Args))
	for i, arg := range inv.Args {
		t, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=zero").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parsing argument %d %q: %w", i, arg, err)
		}
		tmpls[i] = t
	}
	return tmpls, nil
}

// Render builds the process command for a task
func (inv Invocation) Render(p Params) (supervisor.Command, error) {
	tmpls, err := inv.templates()
	if err != nil {
		return supervisor.Command{}, err
	}
	args := make([]string, len(tmpls))
	for i, t := range tmpls {
		var buf bytes.Buffer
		if err := t.Execute(&buf, p); err != nil {
			return supervisor.Command{}, fmt.Errorf("rendering argument %d: %w", i, err)
		}
		args[i] = buf.String()
	}
	return supervisor.Command{
		Path: inv.Command,
		Args: args,
		Env:  inv.Env,
		Dir:  p.WorkDir,
	}, nil
}
