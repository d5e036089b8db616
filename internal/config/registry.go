package config

import (
	"maps"

	"github.com/hochfrequenz/agent-pool/internal/agents"
)

// Registry builds the agent registry from agent_registry entries, or the
// builtin agents when none are configured. Entries without a rank are ranked
// by their position in the list.
func (c *Config) Registry() (*agents.Registry, error) {
	if len(c.Agents) == 0 {
		return agents.NewRegistry(agents.Builtin()...)
	}

	builtin := make(map[string]agents.Capability)
	for _, b := range agents.Builtin() {
		builtin[b.Kind] = b
	}

	caps := make([]agents.Capability, 0, len(c.Agents))
	for i, a := range c.Agents {
		agent, ok := builtin[a.Kind]
		if !ok || a.Command != "" {
			agent = agents.Capability{
				Kind: a.Kind,
				Invocation: agents.Invocation{
					Command: a.Command,
					Args:    a.Args,
				},
				Probe: agents.CommandProbe{Executable: a.Command},
			}
		}

		agent.Rank = i
		if a.Rank != nil {
			agent.Rank = *a.Rank
		}
		if len(a.TaskKinds) > 0 {
			agent.TaskKinds = a.TaskKinds
		}
		if a.OutputFormat != "" {
			agent.Invocation.OutputFormat = agents.OutputFormat(a.OutputFormat)
		}
		if len(a.Env) > 0 {
			env := maps.Clone(agent.Invocation.Env)
			if env == nil {
				env = make(map[string]string, len(a.Env))
			}
			maps.Copy(env, a.Env)
			agent.Invocation.Env = env
		}
		if a.DetectCommand != "" || len(a.DetectArgs) > 0 {
			exe := a.DetectCommand
			if exe == "" {
				exe = agent.Invocation.Command
			}
			agent.Probe = agents.CommandProbe{
				Executable: exe,
				Args:       a.DetectArgs,
				Timeout:    a.DetectTimeout.Duration,
			}
		}
		caps = append(caps, agent)
	}
	return agents.NewRegistry(caps...)
}
