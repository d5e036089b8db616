// Package pool schedules tasks onto a fixed number of worker slots, each
// running one external agent process at a time.
//
// Every live task carries a resolution claim. Normal exit, timeout and
// cancellation race to claim it with a compare-and-swap; the worker that owns
// the process publishes the winning outcome once the process has exited, so
// each task reaches exactly one terminal state.
package pool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-pool/internal/agents"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/health"
	"github.com/hochfrequenz/agent-pool/internal/queue"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
)

const (
	defaultMaxWorkers     = 3
	defaultTaskTimeout    = 30 * time.Minute
	defaultGracePeriod    = 5 * time.Second
	defaultRetainFinished = 1000
	defaultTaskKind       = "general"
)

// Options configures a Pool
type Options struct {
	MaxWorkers     int
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	// WorkDir is the process directory for tasks that do not set one
	WorkDir string
	// LogDir receives one output file per task when set
	LogDir string
	// RetainFinished bounds how many terminal tasks stay queryable
	RetainFinished int
	Logger         *log.Logger
	Listeners      []Listener
}

// Request describes a task to submit
type Request struct {
	Description    string            `json:"description"`
	Kind           string            `json:"kind"`
	Priority       domain.Priority   `json:"priority,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PreferredAgent string            `json:"preferred_agent,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type resolution int32

const (
	unresolved resolution = iota
	resolvedExit
	resolvedCancel
	resolvedTimeout
)

type taskEntry struct {
	mu      sync.Mutex
	task    domain.Task
	slot    int
	proc    *supervisor.ManagedProcess
	timeout *domain.ProcessTimeoutError
	claim   atomic.Int32
	done    chan struct{}

	// ctx bounds agent selection and spawning; cancel and timeout cancel it
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *taskEntry) snapshot() domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

func (e *taskEntry) claimFor(r resolution) bool {
	return e.claim.CompareAndSwap(int32(unresolved), int32(r))
}

func (e *taskEntry) resolution() resolution {
	return resolution(e.claim.Load())
}

// Pool is the task scheduler
type Pool struct {
	opts     Options
	selector *agents.Selector
	sup      *supervisor.Supervisor
	log      *log.Logger
	now      func() time.Time

	mu        sync.Mutex
	tasks     map[string]*taskEntry
	finished  []string
	queue     *queue.Queue
	slots     *slotTable
	completed int
	failed    int
	cancelled int
	started   bool
	closed    bool

	// workerCtx is the parent of every task context. Only Shutdown cancels
	// it, after the cancel claims are in place.
	workerCtx   context.Context
	stopWorkers context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []Listener

	wake    chan struct{}
	workers sync.WaitGroup
	loop    sync.WaitGroup
}

// New creates a pool. Call Start before tasks are dispatched.
func New(selector *agents.Selector, sup *supervisor.Supervisor, opts Options) (*Pool, error) {
	if selector == nil || sup == nil {
		return nil, fmt.Errorf("pool needs a selector and a supervisor")
	}
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.MaxWorkers < 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", opts.MaxWorkers)
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = defaultTaskTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = defaultRetainFinished
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	return &Pool{
		opts:      opts,
		selector:  selector,
		sup:       sup,
		log:       opts.Logger,
		now:       time.Now,
		tasks:     make(map[string]*taskEntry),
		queue:     queue.New(),
		slots:     newSlotTable(opts.MaxWorkers),
		listeners: append([]Listener(nil), opts.Listeners...),
		wake:      make(chan struct{}, 1),

		workerCtx:   workerCtx,
		stopWorkers: stopWorkers,
	}, nil
}

// Subscribe adds a listener for task events
func (p *Pool) Subscribe(l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Pool) emit(t EventType, task domain.Task) {
	p.listenersMu.RLock()
	ls := p.listeners
	p.listenersMu.RUnlock()
	if len(ls) == 0 {
		return
	}
	ev := Event{Type: t, Task: task, At: p.now()}
	for _, l := range ls {
		l.HandleEvent(ev)
	}
}

// Start begins dispatching. Cancelling ctx stops the dispatch loop but does
// not touch dispatched tasks (see Shutdown).
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.dispatchLocked()
	p.mu.Unlock()

	p.loop.Add(1)
	go p.dispatchLoop(ctx)
}

// Run starts the pool and blocks until ctx is done, then shuts down with
// the grace period as deadline.
func (p *Pool) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.opts.GracePeriod*2)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.loop.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.mu.Lock()
		p.dispatchLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatchLocked moves queued tasks onto idle slots. Caller holds p.mu.
func (p *Pool) dispatchLocked() {
	if !p.started || p.closed {
		return
	}
	for p.slots.hasIdle() {
		id, ok := p.queue.Pop()
		if !ok {
			return
		}
		e := p.tasks[id]
		slot := p.slots.assign(id)
		now := p.now()

		e.mu.Lock()
		e.slot = slot
		e.task.Status = domain.StatusRunning
		e.task.StartedAt = &now
		e.task.WorkerID = &slot
		e.ctx, e.cancel = context.WithCancel(p.workerCtx)
		e.mu.Unlock()

		p.workers.Add(1)
		go p.runTask(e)
	}
}

// Submit queues a task and returns its id. It never waits for a worker.
func (p *Pool) Submit(req Request) (string, error) {
	if strings.TrimSpace(req.Description) == "" {
		return "", fmt.Errorf("%w: description is required", domain.ErrInvalidTask)
	}
	if req.Timeout < 0 {
		return "", fmt.Errorf("%w: timeout must not be negative", domain.ErrInvalidTask)
	}
	priority, err := domain.ParsePriority(string(req.Priority))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = defaultTaskKind
	}

	e := &taskEntry{
		slot: -1,
		done: make(chan struct{}),
		task: domain.Task{
			ID:             uuid.NewString(),
			Description:    req.Description,
			Kind:           kind,
			Priority:       priority,
			Status:         domain.StatusQueued,
			WorkDir:        req.WorkDir,
			Env:            req.Env,
			PreferredAgent: req.PreferredAgent,
			Timeout:        req.Timeout,
			Metadata:       req.Metadata,
			CreatedAt:      p.now(),
		},
	}
	e.task = e.task.Clone()
	snap := e.task.Clone()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", domain.ErrPoolClosed
	}
	p.tasks[snap.ID] = e
	p.queue.Push(snap.ID, snap.Priority)
	p.mu.Unlock()
	p.emit(EventSubmitted, snap)

	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
	return snap.ID, nil
}

func (p *Pool) lookup(id string) (*taskEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{ID: id}
	}
	return e, nil
}

// Status returns a snapshot of a task
func (p *Pool) Status(id string) (domain.Task, error) {
	e, err := p.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	return e.snapshot(), nil
}

// Wait blocks until the task is terminal or ctx is done
func (p *Pool) Wait(ctx context.Context, id string) (domain.Task, error) {
	e, err := p.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

// ListActive returns queued and running tasks, oldest first
func (p *Pool) ListActive() []domain.Task {
	p.mu.Lock()
	entries := make([]*taskEntry, 0, len(p.tasks))
	for _, e := range p.tasks {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var active []domain.Task
	for _, e := range entries {
		if t := e.snapshot(); t.IsActive() {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Stats returns worker occupancy and outcome counters
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{
		MaxWorkers:  p.opts.MaxWorkers,
		BusyWorkers: p.slots.busy,
		QueueDepth:  p.queue.Len(),
		Completed:   p.completed,
		Failed:      p.failed,
		Cancelled:   p.cancelled,
		Workers:     p.slots.snapshot(),
	}
}

// QueuePosition returns the 0-based dispatch position of a queued task, or -1
func (p *Pool) QueuePosition(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Position(id)
}

// Cancel stops a queued or running task. It returns true when cancellation
// was initiated or is already under way. Cancelling a finished task returns
// false with domain.ErrTaskAlreadyTerminal.
func (p *Pool) Cancel(id string) (bool, error) {
	p.mu.Lock()
	e, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return false, &domain.TaskNotFoundError{ID: id}
	}
	if p.queue.Remove(id) {
		p.mu.Unlock()
		e.claimFor(resolvedCancel)
		p.finish(e, outcome{status: domain.StatusCancelled})
		p.log.Printf("[pool] cancelled queued task %s", id)
		return true, nil
	}
	p.mu.Unlock()

	if e.snapshot().Status.IsTerminal() {
		return false, domain.ErrTaskAlreadyTerminal
	}
	if !e.claimFor(resolvedCancel) {
		if e.resolution() == resolvedCancel {
			return true, nil
		}
		// lost to a normal exit or a timeout that is about to publish
		return false, domain.ErrTaskAlreadyTerminal
	}

	if proc := e.abort(); proc != nil {
		go p.terminate(id, proc)
	}
	p.log.Printf("[pool] cancelling running task %s", id)
	return true, nil
}

// abort cancels the task context, interrupting a probe or a wait for a spawn
// slot, and returns the process if one was already spawned. Callers store
// their claim first; the worker stores e.proc before re-reading the claim.
func (e *taskEntry) abort() *supervisor.ManagedProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	return e.proc
}

func (p *Pool) terminate(taskID string, proc *supervisor.ManagedProcess) {
	if err := p.sup.Terminate(proc.Handle(), p.opts.GracePeriod); err != nil {
		p.log.Printf("[pool] terminating task %s: %v", taskID, err)
	}
}

// Output returns a cursor over a task's output from the start. The task must
// have spawned a process.
func (p *Pool) Output(id string) (*supervisor.Cursor, error) {
	e, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return nil, fmt.Errorf("task %s has no process output", id)
	}
	return proc.Output().Cursor(), nil
}

// Inflight lists running tasks for the health monitor, including those still
// selecting an agent or waiting to spawn
func (p *Pool) Inflight() []health.Inflight {
	p.mu.Lock()
	entries := make([]*taskEntry, 0, p.slots.busy)
	for _, e := range p.tasks {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var out []health.Inflight
	for _, e := range entries {
		e.mu.Lock()
		if e.task.Status == domain.StatusRunning && e.task.StartedAt != nil {
			f := health.Inflight{
				TaskID:    e.task.ID,
				StartedAt: *e.task.StartedAt,
				Timeout:   e.task.EffectiveTimeout(p.opts.DefaultTimeout),
			}
			if e.proc != nil {
				f.Handle = e.proc.Handle()
				f.Spawned = true
			}
			out = append(out, f)
		}
		e.mu.Unlock()
	}
	return out
}

// Expire claims the timeout outcome for a running task. A task that has not
// spawned yet stops selecting or waiting; one whose process appeared after
// the monitor looked is terminated here.
func (p *Pool) Expire(taskID string, elapsed, limit time.Duration) bool {
	e, err := p.lookup(taskID)
	if err != nil {
		return false
	}
	if !e.claimFor(resolvedTimeout) {
		return false
	}
	e.mu.Lock()
	e.timeout = &domain.ProcessTimeoutError{TaskID: taskID, Elapsed: elapsed, Limit: limit}
	e.mu.Unlock()
	if proc := e.abort(); proc != nil {
		go p.terminate(taskID, proc)
	}
	return true
}

// Shutdown stops dispatching, cancels every live task and waits for the
// workers to publish their outcomes.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.tasks))
	for id, e := range p.tasks {
		if t := e.snapshot(); t.IsActive() {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Cancel(id)
	}
	p.stopWorkers()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

type outcome struct {
	status  domain.TaskStatus
	result  *domain.Result
	err     *domain.TaskError
	output  string
	partial bool
}

// finish publishes the terminal state. Only the claim winner calls it.
func (p *Pool) finish(e *taskEntry, o outcome) {
	now := p.now()

	e.mu.Lock()
	if e.task.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	e.task.Status = o.status
	e.task.CompletedAt = &now
	e.task.Result = o.result
	e.task.Error = o.err
	e.task.Output = o.output
	e.task.OutputPartial = o.partial
	e.task.AgentKind = ""
	e.task.PID = 0
	e.task.WorkerID = nil
	slot := e.slot
	snap := e.task.Clone()
	e.mu.Unlock()
	close(e.done)

	p.mu.Lock()
	switch o.status {
	case domain.StatusCompleted:
		p.completed++
	case domain.StatusFailed:
		p.failed++
	case domain.StatusCancelled:
		p.cancelled++
	}
	p.slots.release(slot, o.status)
	p.retireLocked(snap.ID)
	p.mu.Unlock()
	p.nudge()

	switch {
	case snap.Error != nil:
		p.log.Printf("[pool] task %s %s: %s", snap.ID, snap.Status, snap.Error.Message)
	default:
		p.log.Printf("[pool] task %s %s", snap.ID, snap.Status)
	}
	p.emit(EventFinished, snap)
}

// retireLocked forgets the oldest terminal tasks beyond the retention limit
func (p *Pool) retireLocked(id string) {
	p.finished = append(p.finished, id)
	for len(p.finished) > p.opts.RetainFinished {
		delete(p.tasks, p.finished[0])
		p.finished = p.finished[1:]
	}
}
