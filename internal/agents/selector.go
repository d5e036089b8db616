package agents

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

const (
	defaultProbeCacheSize = 64
	defaultProbeCacheTTL  = 30 * time.Second
)

// SelectorOptions configures probe caching
type SelectorOptions struct {
	// CacheTTL is how long a probe result is reused. Negative disables caching.
	CacheTTL  time.Duration
	CacheSize int
	Logger    *log.Logger
}

// Selector picks the best available agent for a task
type Selector struct {
	registry *Registry
	cache    *expirable.LRU[string, probeResult]
	group    singleflight.Group
	log      *log.Logger
}

// probeResult wraps a probe error so a passing probe can be cached
type probeResult struct {
	err error
}

// NewSelector creates a selector over registry
func NewSelector(registry *Registry, opts SelectorOptions) *Selector {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = defaultProbeCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultProbeCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Selector{
		registry: registry,
		log:      opts.Logger,
	}
	if opts.CacheTTL > 0 {
		s.cache = expirable.NewLRU[string, probeResult](opts.CacheSize, nil, opts.CacheTTL)
	}
	return s
}

// Registry returns the registry the selector draws from
func (s *Selector) Registry() *Registry {
	return s.registry
}

// Select walks the candidates for the task's kind in rank order, trying the
// task's preferred agent first, and returns the first one whose probe passes.
func (s *Selector) Select(ctx context.Context, task domain.Task) (Capability, error) {
	candidates := s.registry.Candidates(task.Kind)
	if task.PreferredAgent != "" {
		candidates = preferFirst(candidates, task.PreferredAgent)
	}

	unavailable := &domain.AgentUnavailableError{TaskKind: task.Kind}
	if len(candidates) == 0 {
		return Capability{}, unavailable
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			unavailable.Attempts = append(unavailable.Attempts, domain.ProbeAttempt{Kind: c.Kind, Reason: err.Error()})
			break
		}
		err := s.Probe(ctx, c)
		if err == nil {
			return c, nil
		}
		s.log.Printf("[agents] %s unavailable for %s: %v", c.Kind, task.ID, err)
		unavailable.Attempts = append(unavailable.Attempts, domain.ProbeAttempt{Kind: c.Kind, Reason: err.Error()})
	}
	return Capability{}, unavailable
}

// Probe runs the agent's probe, reusing a recent result when one is cached.
// Concurrent probes of the same agent share one call. The shared call is not
// tied to any one caller; each caller stops waiting when its own ctx is done.
func (s *Selector) Probe(ctx context.Context, c Capability) error {
	if s.cache != nil {
		if r, ok := s.cache.Get(c.Kind); ok {
			return r.err
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(c.Kind, func() (interface{}, error) {
		err := runProbe(shared, c.Probe)
		if s.cache != nil {
			s.cache.Add(c.Kind, probeResult{err: err})
		}
		return probeResult{err: err}, nil
	})
	select {
	case res := <-ch:
		return res.Val.(probeResult).err
	case <-ctx.Done():
		return fmt.Errorf("probing %s: %w", c.Kind, ctx.Err())
	}
}

// Invalidate drops cached probe results for kind, or all when kind is empty
func (s *Selector) Invalidate(kind string) {
	if s.cache == nil {
		return
	}
	if kind == "" {
		s.cache.Purge()
		return
	}
	s.cache.Remove(kind)
}

// Availability is the probe outcome of one registered agent
type Availability struct {
	Kind      string   `json:"kind"`
	TaskKinds []string `json:"task_kinds"`
	Rank      int      `json:"rank"`
	Command   string   `json:"command"`
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
}

// Report probes every registered agent
func (s *Selector) Report(ctx context.Context) []Availability {
	all := s.registry.All()
	out := make([]Availability, len(all))
	for i, c := range all {
		a := Availability{
			Kind:      c.Kind,
			TaskKinds: c.TaskKinds,
			Rank:      c.Rank,
			Command:   c.Invocation.Command,
			Available: true,
		}
		if err := s.Probe(ctx, c); err != nil {
			a.Available = false
			a.Reason = err.Error()
		}
		out[i] = a
	}
	return out
}

func preferFirst(caps []Capability, kind string) []Capability {
	for i, c := range caps {
		if c.Kind != kind {
			continue
		}
		out := make([]Capability, 0, len(caps))
		out = append(out, c)
		out = append(out, caps[:i]...)
		return append(out, caps[i+1:]...)
	}
	return caps
}
