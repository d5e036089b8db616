package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
	"github.com/hochfrequenz/agent-pool/internal/tasklog"
)

// runTask owns one task from dispatch to its terminal state
func (p *Pool) runTask(e *taskEntry) {
	defer p.workers.Done()
	defer e.cancel()
	defer func() {
		if r := recover(); r != nil {
			p.recoverTask(e, r)
		}
	}()

	ctx := e.ctx
	task := e.snapshot()
	p.log.Printf("[pool] dispatched %s (%s) to worker %d", task.ID, task.Kind, *task.WorkerID)
	p.emit(EventStarted, task)

	capability, err := p.selector.Select(ctx, task)
	if err != nil {
		if e.claimFor(resolvedExit) {
			var unavailable *domain.AgentUnavailableError
			kind := domain.ErrorAgentUnavailable
			if !errors.As(err, &unavailable) {
				kind = domain.ErrorInternal
			}
			p.finish(e, p.failure(e, kind, err.Error(), "", 0))
			return
		}
		p.finish(e, p.claimedOutcome(e, nil))
		return
	}

	workDir := task.WorkDir
	if workDir == "" {
		workDir = p.opts.WorkDir
	}
	cmd, err := capability.Invocation.Render(agents.Params{
		TaskID:      task.ID,
		Description: task.Description,
		Kind:        task.Kind,
		WorkDir:     workDir,
		Metadata:    task.Metadata,
	})
	if err == nil {
		cmd.Env = mergeMaps(cmd.Env, task.Env)
	}

	// a cancel that arrived during selection wins before anything is spawned
	if e.resolution() != unresolved {
		p.finish(e, p.claimedOutcome(e, nil))
		return
	}
	if err != nil {
		if e.claimFor(resolvedExit) {
			p.finish(e, p.failure(e, domain.ErrorSpawn, err.Error(), capability.Kind, 0))
		} else {
			p.finish(e, p.claimedOutcome(e, nil))
		}
		return
	}

	proc, err := p.sup.Spawn(ctx, cmd)
	if err != nil {
		if e.claimFor(resolvedExit) {
			p.finish(e, p.failure(e, domain.ErrorSpawn, err.Error(), capability.Kind, 0))
		} else {
			p.finish(e, p.claimedOutcome(e, nil))
		}
		return
	}
	defer p.sup.Release(proc.Handle())

	e.mu.Lock()
	e.proc = proc
	e.task.AgentKind = capability.Kind
	e.task.PID = proc.PID()
	snap := e.task.Clone()
	e.mu.Unlock()
	p.log.Printf("[pool] task %s running %s as pid %d", task.ID, capability.Kind, proc.PID())
	p.emit(EventSpawned, snap)

	// Cancel and Expire store their claim before reading e.proc, so one of
	// the two sides always sees the other and terminates the process.
	if e.resolution() != unresolved {
		go p.terminate(task.ID, proc)
	}

	p.drain(task.ID, proc)
	<-proc.Done()

	if e.claimFor(resolvedExit) {
		p.finish(e, p.exitOutcome(e, capability, proc))
		return
	}
	p.finish(e, p.claimedOutcome(e, proc))
}

// recoverTask publishes a failed outcome for a worker that panicked. A
// spawned process is terminated and released first so the slot is never
// freed while the agent still runs.
func (p *Pool) recoverTask(e *taskEntry, r any) {
	p.log.Printf("[pool] worker panic on task %s: %v\n%s", e.task.ID, r, debug.Stack())

	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		if err := p.sup.Terminate(proc.Handle(), p.opts.GracePeriod); err != nil {
			p.log.Printf("[pool] terminating task %s after panic: %v", e.task.ID, err)
		}
	}

	o := p.failure(e, domain.ErrorInternal, fmt.Sprintf("worker panic: %v", r), "", 0)
	if !e.claimFor(resolvedExit) {
		o = p.claimedOutcome(e, proc)
	}
	if proc != nil {
		p.sup.Release(proc.Handle())
	}
	p.finish(e, o)
}

// drain consumes the process output to completion, copying it to the task
// log when one is configured
func (p *Pool) drain(taskID string, proc *supervisor.ManagedProcess) {
	var w *tasklog.Writer
	if p.opts.LogDir != "" {
		var err error
		if w, err = tasklog.Create(p.opts.LogDir, taskID); err != nil {
			p.log.Printf("[pool] task %s: %v", taskID, err)
		} else {
			defer w.Close()
		}
	}

	cursor := proc.Output().Cursor()
	for {
		chunk, ok := cursor.Next(context.Background())
		if !ok {
			return
		}
		if w != nil {
			if err := w.WriteLine(chunk.Line); err != nil {
				p.log.Printf("[pool] task %s: writing log: %v", taskID, err)
				w = nil
			}
		}
	}
}

func (p *Pool) exitOutcome(e *taskEntry, c agents.Capability, proc *supervisor.ManagedProcess) outcome {
	out := proc.Output()
	stdout := out.Lines(supervisor.Stdout)
	code := proc.ExitCode()

	if err := proc.Err(); err != nil {
		return p.failure(e, domain.ErrorExit, fmt.Sprintf("waiting for %s: %v", c.Kind, err), c.Kind, code)
	}
	if code != 0 {
		msg := fmt.Sprintf("%s exited with status %d", c.Kind, code)
		all := out.Lines("")
		if detail := extractError(all); detail != "" {
			msg += ": " + detail
		} else if detail := lastLine(out.Lines(supervisor.Stderr)); detail != "" {
			msg += ": " + detail
		}
		return p.failure(e, domain.ErrorExit, msg, c.Kind, code)
	}

	result, err := parseResult(c.Invocation.OutputFormat, stdout)
	if err != nil {
		msg := fmt.Sprintf("parsing %s output: %v", c.Kind, err)
		if detail := extractError(stdout); detail != "" {
			msg += ": " + detail
		}
		return p.failure(e, domain.ErrorParse, msg, c.Kind, code)
	}
	result.AgentKind = c.Kind
	result.ExitCode = code
	return outcome{
		status:  domain.StatusCompleted,
		result:  &result,
		output:  out.Text(""),
		partial: out.Truncated(),
	}
}

// claimedOutcome builds the result for a task whose claim was taken by a
// cancel or a timeout. proc is nil when nothing was spawned.
func (p *Pool) claimedOutcome(e *taskEntry, proc *supervisor.ManagedProcess) outcome {
	var o outcome
	if proc != nil {
		o.output = proc.Output().Text("")
		o.partial = true
	}

	switch e.resolution() {
	case resolvedTimeout:
		e.mu.Lock()
		te := e.timeout
		agent := e.task.AgentKind
		e.mu.Unlock()
		msg := "task timed out"
		if te != nil {
			msg = te.Error()
		}
		o.status = domain.StatusFailed
		o.err = &domain.TaskError{Kind: domain.ErrorTimeout, Message: msg, AgentKind: agent, ExitCode: -1}
	default:
		o.status = domain.StatusCancelled
	}
	return o
}

func (p *Pool) failure(e *taskEntry, kind domain.ErrorKind, msg, agent string, code int) outcome {
	o := outcome{
		status: domain.StatusFailed,
		err:    &domain.TaskError{Kind: kind, Message: strings.TrimSpace(msg), AgentKind: agent, ExitCode: code},
	}
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		o.output = proc.Output().Text("")
		o.partial = proc.Output().Truncated()
	}
	return o
}

func mergeMaps(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
