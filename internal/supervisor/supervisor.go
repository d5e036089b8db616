// Package supervisor spawns agent processes, captures their output, and
// stops them with a graceful signal followed by a forced kill.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

// Command describes a process to spawn
type Command struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Options configures a Supervisor
type Options struct {
	// SpawnParallelism bounds concurrent process creation. Defaults to NumCPU.
	SpawnParallelism int
	// OutputLimit is the number of output bytes retained per process.
	OutputLimit int
	// WaitDelay bounds how long output pipes are drained after exit.
	WaitDelay time.Duration
	// KillWait is how long to wait for exit after the forced kill.
	KillWait time.Duration
	Logger   *log.Logger
}

// Supervisor owns all spawned processes
type Supervisor struct {
	opts  Options
	sem   *semaphore.Weighted
	log   *log.Logger
	mu    sync.Mutex
	next  Handle
	procs map[Handle]*ManagedProcess
}

// New creates a Supervisor
func New(opts Options) *Supervisor {
	if opts.SpawnParallelism <= 0 {
		opts.SpawnParallelism = runtime.NumCPU()
	}
	if opts.OutputLimit == 0 {
		opts.OutputLimit = 1024 * 1024
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 5 * time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Supervisor{
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.SpawnParallelism)),
		log:   opts.Logger,
		procs: make(map[Handle]*ManagedProcess),
	}
}

// Spawn starts a process and returns as soon as it is running. Output is
// captured in the background. Errors are *domain.ProcessSpawnError.
func (s *Supervisor) Spawn(ctx context.Context, c Command) (*ManagedProcess, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, &domain.ProcessSpawnError{Command: c.String(), Err: err}
	}
	defer s.sem.Release(1)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = s.opts.WaitDelay
	setProcAttr(cmd)

	out := NewBuffer(s.opts.OutputLimit)
	stdout := &lineWriter{buf: out, stream: Stdout}
	stderr := &lineWriter{buf: out, stream: Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &domain.ProcessSpawnError{Command: c.String(), Err: err}
	}

	p := &ManagedProcess{
		cmd:       cmd,
		command:   c.String(),
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    out,
		stdout:    stdout,
		stderr:    stderr,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.next++
	p.handle = s.next
	s.procs[p.handle] = p
	s.mu.Unlock()

	go p.wait(s.log)
	return p, nil
}

// Get returns the process behind a handle
func (s *Supervisor) Get(h Handle) (*ManagedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[h]
	return p, ok
}

// Poll reports whether a process is running, has exited, or is unknown
func (s *Supervisor) Poll(h Handle) State {
	p, ok := s.Get(h)
	if !ok {
		return State{Phase: PhaseGone}
	}
	if !p.Exited() {
		return State{Phase: PhaseRunning}
	}
	return State{Phase: PhaseExited, ExitCode: p.ExitCode()}
}

// Terminate stops a process: graceful signal, wait up to grace, then force.
// It returns once exit is confirmed. Unknown or exited handles are a no-op.
func (s *Supervisor) Terminate(h Handle, grace time.Duration) error {
	p, ok := s.Get(h)
	if !ok {
		return nil
	}
	return p.terminate(grace, s.opts.KillWait, s.log)
}

// Output returns a new cursor over the process output from its start
func (s *Supervisor) Output(h Handle) (*Cursor, error) {
	p, ok := s.Get(h)
	if !ok {
		return nil, fmt.Errorf("unknown process handle %d", h)
	}
	return p.output.Cursor(), nil
}

// Release forgets an exited process. Running processes are kept.
func (s *Supervisor) Release(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[h]
	if !ok || !p.Exited() {
		return false
	}
	delete(s.procs, h)
	return true
}

// Live returns handles of processes that have not exited, oldest first
func (s *Supervisor) Live() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hs []Handle
	for h, p := range s.procs {
		if !p.Exited() {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// TerminateAll stops every live process in parallel and waits for all of them
func (s *Supervisor) TerminateAll(grace time.Duration) {
	var wg sync.WaitGroup
	for _, h := range s.Live() {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := s.Terminate(h, grace); err != nil {
				s.log.Printf("[supervisor] %v", err)
			}
		}(h)
	}
	wg.Wait()
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
