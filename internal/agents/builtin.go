package agents

// Builtin returns the agents registered when no agent_registry is configured.
// Ranks follow the fallback chain: general-purpose agents first, narrower
// ones later, qwen as the last resort.
func Builtin() []Capability {
	return []Capability{
		{
			Kind:      "claude-code",
			TaskKinds: []string{AnyKind},
			Rank:      0,
			Probe:     CommandProbe{Executable: "claude"},
			Invocation: Invocation{
				Command: "claude",
				Args: []string{
					"--print", "--verbose", "--dangerously-skip-permissions",
					"--output-format", "stream-json",
					"-p", "{{.Description}}",
				},
				OutputFormat: OutputStreamJSON,
			},
		},
		{
			Kind:      "opencode",
			TaskKinds: []string{AnyKind},
			Rank:      1,
			Probe:     CommandProbe{Executable: "opencode"},
			Invocation: Invocation{
				Command: "opencode",
				Args:    []string{"run", "{{.Description}}"},
			},
		},
		{
			Kind:       "deepagents",
			TaskKinds:  []string{"research", "prototyping", "analysis"},
			Rank:       2,
			Probe:      CommandProbe{Executable: "deepagents"},
			Invocation: Invocation{Command: "deepagents", Args: []string{"--non-interactive", "{{.Description}}"}},
		},
		{
			Kind:       "rovo",
			TaskKinds:  []string{"code-edit", "task-completion"},
			Rank:       3,
			Probe:      CommandProbe{Executable: "rovo"},
			Invocation: Invocation{Command: "rovo", Args: []string{"dev", "run", "{{.Description}}"}},
		},
		{
			Kind:      "copilot",
			TaskKinds: []string{"code-edit", "code-generation", "test-run"},
			Rank:      4,
			Probe:     CommandProbe{Executable: "gh", Args: []string{"auth", "status"}},
			Invocation: Invocation{
				Command: "gh",
				Args:    []string{"copilot", "suggest", "{{.Description}}", "--no-interactive"},
			},
		},
		{
			Kind:       "codex",
			TaskKinds:  []string{"code-edit", "code-review", "test-run", "analysis"},
			Rank:       5,
			Probe:      CommandProbe{Executable: "codex"},
			Invocation: Invocation{Command: "codex", Args: []string{"exec", "{{.Description}}"}},
		},
		{
			Kind:       "gemini",
			TaskKinds:  []string{"documentation", "analysis", "research"},
			Rank:       6,
			Probe:      CommandProbe{Executable: "gemini"},
			Invocation: Invocation{Command: "gemini", Args: []string{"generate", "--prompt", "{{.Description}}"}},
		},
		{
			Kind:       "qwen",
			TaskKinds:  []string{AnyKind},
			Rank:       9,
			Probe:      CommandProbe{Executable: "qwen"},
			Invocation: Invocation{Command: "qwen", Args: []string{"chat", "--message", "{{.Description}}"}},
		},
	}
}

// DefaultRegistry builds a Registry from Builtin
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic("agents: invalid builtin registry: " + err.Error())
	}
	return r
}
