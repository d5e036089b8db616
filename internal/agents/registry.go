package agents

import (
	"errors"
	"fmt"
	"sort"
)

// Registry is the immutable set of agents known to a pool
type Registry struct {
	caps   []Capability
	byKind map[string]int
}

// NewRegistry validates and orders the capabilities by rank. Ties keep
// registration order.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{byKind: make(map[string]int, len(caps))}
	var errs []error
	for _, c := range caps {
		if c.Kind == "" {
			errs = append(errs, errors.New("agent with empty kind"))
			continue
		}
		if _, dup := r.byKind[c.Kind]; dup {
			errs = append(errs, fmt.Errorf("agent %q registered twice", c.Kind))
			continue
		}
		if c.Invocation.Command == "" {
			errs = append(errs, fmt.Errorf("agent %q has no command", c.Kind))
			continue
		}
		if _, err := c.Invocation.templates(); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", c.Kind, err))
			continue
		}
		if len(c.TaskKinds) == 0 {
			c.TaskKinds = []string{AnyKind}
		}
		if c.Invocation.OutputFormat == "" {
			c.Invocation.OutputFormat = OutputText
		}
		r.byKind[c.Kind] = len(r.caps)
		r.caps = append(r.caps, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(r.caps, func(i, j int) bool { return r.caps[i].Rank < r.caps[j].Rank })
	for i, c := range r.caps {
		r.byKind[c.Kind] = i
	}
	return r, nil
}

// Lookup returns the agent registered under kind
func (r *Registry) Lookup(kind string) (Capability, bool) {
	i, ok := r.byKind[kind]
	if !ok {
		return Capability{}, false
	}
	return r.caps[i], true
}

// All returns every agent in rank order
func (r *Registry) All() []Capability {
	out := make([]Capability, len(r.caps))
	copy(out, r.caps)
	return out
}

// Candidates returns the agents that accept taskKind, in rank order
func (r *Registry) Candidates(taskKind string) []Capability {
	var out []Capability
	for _, c := range r.caps {
		if c.Supports(taskKind) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered agents
func (r *Registry) Len() int {
	return len(r.caps)
}
