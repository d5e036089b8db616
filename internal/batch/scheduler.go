// Package batch submits tasks on cron schedules.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-pool/internal/config"
	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/pool"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Submitter accepts tasks and reports their state
type Submitter interface {
	Submit(req pool.Request) (string, error)
	Status(id string) (domain.Task, error)
}

// Info describes one schedule
type Info struct {
	Name       string    `json:"name"`
	Cron       string    `json:"cron"`
	Next       time.Time `json:"next"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastTaskID string    `json:"last_task_id,omitempty"`
	Skipped    int       `json:"skipped"`
}

type entry struct {
	cfg     config.ScheduleConfig
	sched   cron.Schedule
	id      cron.EntryID
	lastRun time.Time
	lastID  string
	skipped int
}

// ErrUnknownSchedule is returned for names that are not configured
var ErrUnknownSchedule = errors.New("unknown schedule")

// Scheduler submits configured tasks when their cron expression fires. A
// schedule whose previous task is still active is skipped.
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	log     *log.Logger
	entries map[string]*entry
	mu      sync.Mutex
}

// NewScheduler validates the schedules and registers them. Call Start to run.
func NewScheduler(schedules []config.ScheduleConfig, sub Submitter, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.PrintfLogger(logger)))),
		submit:  sub,
		log:     logger,
		entries: make(map[string]*entry),
	}

	for i, cfg := range schedules {
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("schedule-%d", i+1)
		}
		if _, dup := s.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule name %q", cfg.Name)
		}
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", cfg.Name, err)
		}
		e := &entry{cfg: cfg, sched: sched}
		name := cfg.Name
		e.id = s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.fire(name, false); err != nil {
				s.log.Printf("[batch] schedule %s: %v", name, err)
			}
		}))
		s.entries[name] = e
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and returns a context done when running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run starts the scheduler and stops it when ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}

// RunNow submits a schedule's task immediately, ignoring overlap
func (s *Scheduler) RunNow(name string) (string, error) {
	return s.fire(name, true)
}

func (s *Scheduler) fire(name string, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}

	if !force && e.lastID != "" {
		if task, err := s.submit.Status(e.lastID); err == nil && task.IsActive() {
			e.skipped++
			s.log.Printf("[batch] skipping %s: previous task %s still %s", name, e.lastID, task.Status)
			return "", nil
		}
	}

	prio, _ := domain.ParsePriority(e.cfg.Priority)
	id, err := s.submit.Submit(pool.Request{
		Description:    e.cfg.Description,
		Kind:           e.cfg.Kind,
		Priority:       prio,
		WorkDir:        e.cfg.WorkDir,
		PreferredAgent: e.cfg.PreferredAgent,
		Timeout:        e.cfg.Timeout.Duration,
		Metadata:       map[string]string{"schedule": name},
	})
	if err != nil {
		return "", fmt.Errorf("submitting: %w", err)
	}
	e.lastRun = time.Now()
	e.lastID = id
	s.log.Printf("[batch] schedule %s submitted task %s", name, id)
	return id, nil
}

// NextRun returns the next scheduled run time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.sched.Next(time.Now())
}

// List returns all schedules sorted by name
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	infos := make([]Info, 0, len(s.entries))
	for name, e := range s.entries {
		infos = append(infos, Info{
			Name:       name,
			Cron:       e.cfg.Cron,
			Next:       e.sched.Next(now),
			LastRun:    e.lastRun,
			LastTaskID: e.lastID,
			Skipped:    e.skipped,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
