package supervisor

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"
)

// Handle references a process owned by a Supervisor
type Handle uint64

// Phase is the coarse state reported by Poll
type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseExited  Phase = "exited"
	PhaseGone    Phase = "gone"
)

// State is the result of polling a handle
type State struct {
	Phase    Phase
	ExitCode int
}

// ManagedProcess is a spawned agent process
type ManagedProcess struct {
	handle    Handle
	cmd       *exec.Cmd
	command   string
	pid       int
	startedAt time.Time
	output    *Buffer
	stdout    *lineWriter
	stderr    *lineWriter
	done      chan struct{}

	mu          sync.Mutex
	exitCode    int
	waitErr     error
	exitedAt    time.Time
	terminating chan struct{}
	forced      bool
}

func (p *ManagedProcess) wait(logger *log.Logger) {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	p.output.Close()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// non-zero exit is reported through the exit code
		err = nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		logger.Printf("[supervisor] pid %d exited but its output pipes stayed open; closed after wait delay", p.pid)
		err = nil
	}

	p.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

// Handle returns the supervisor handle of the process
func (p *ManagedProcess) Handle() Handle { return p.handle }

// PID returns the operating system process id
func (p *ManagedProcess) PID() int { return p.pid }

// Command returns the command line the process was started with
func (p *ManagedProcess) Command() string { return p.command }

// StartedAt returns when the process was spawned
func (p *ManagedProcess) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and its output is drained
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Output returns the process output buffer
func (p *ManagedProcess) Output() *Buffer { return p.output }

// Exited reports whether the process has exited
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive asks the operating system whether the process still exists. It can
// be false before Done is closed while exec drains inherited pipes.
func (p *ManagedProcess) Alive() bool {
	if p.Exited() {
		return false
	}
	return processAlive(p.pid)
}

// ExitCode returns the exit status; -1 if killed by a signal or still running
func (p *ManagedProcess) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns an error from waiting on the process other than a non-zero exit
func (p *ManagedProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Terminated reports whether the supervisor signalled the process
func (p *ManagedProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminating != nil
}

// Forced reports whether the process needed the forced kill phase
func (p *ManagedProcess) Forced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

// terminate sends the graceful signal, waits up to grace, then forces.
// Concurrent callers share one termination and all return after it ends.
func (p *ManagedProcess) terminate(grace, killWait time.Duration, logger *log.Logger) error {
	if p.Exited() {
		return nil
	}

	p.mu.Lock()
	if ch := p.terminating; ch != nil {
		p.mu.Unlock()
		<-ch
		return p.confirmExit()
	}
	ch := make(chan struct{})
	p.terminating = ch
	p.mu.Unlock()
	defer close(ch)

	if err := signalGraceful(p); err != nil {
		logger.Printf("[supervisor] graceful stop of pid %d: %v", p.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	logger.Printf("[supervisor] pid %d still alive after %s, killing", p.pid, grace)
	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
	if err := signalForce(p); err != nil {
		logger.Printf("[supervisor] force kill of pid %d: %v", p.pid, err)
	}

	killTimer := time.NewTimer(killWait)
	defer killTimer.Stop()
	select {
	case <-p.done:
		return nil
	case <-killTimer.C:
		return fmt.Errorf("pid %d did not exit %s after kill", p.pid, killWait)
	}
}

func (p *ManagedProcess) confirmExit() error {
	if p.Exited() {
		return nil
	}
	return fmt.Errorf("pid %d did not exit after termination", p.pid)
}
