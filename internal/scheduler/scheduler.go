// Package scheduler submits workflow definition files on cron schedules.
//
// Core invariant: scheduled execution is NOT privileged execution.
// Every scheduled workflow goes through the same risk gate, confirmation
// and audit path as one submitted over the API, under the schedule's caller.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/stepguard/internal/config"
	"github.com/jkaninda/stepguard/internal/orchestrator"
)

var (
	ErrUnknownSchedule   = errors.New("unknown schedule")
	ErrDuplicateSchedule = errors.New("duplicate schedule")
	ErrStillRunning      = errors.New("previous run still active")
)

// Engine is the part of the workflow engine the scheduler drives.
type Engine interface {
	Submit(ctx context.Context, def orchestrator.Definition, submittedBy string) (*orchestrator.Workflow, error)
	Active() []string
}

var _ Engine = (*orchestrator.Engine)(nil)

// Entry describes one registered schedule.
type Entry struct {
	Name         string    `json:"name"`
	Cron         string    `json:"cron"`
	Workflow     string    `json:"workflow"`
	Caller       string    `json:"caller"`
	Next         time.Time `json:"next,omitempty"`
	LastWorkflow string    `json:"last_workflow,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type job struct {
	cfg     config.ScheduleConfig
	entryID cron.EntryID

	mu           sync.Mutex
	lastWorkflow string
	lastError    string
}

// Scheduler fires registered schedules through the engine.
type Scheduler struct {
	engine  Engine
	metrics *Metrics
	logger  *slog.Logger
	cron    *cron.Cron
	parser  cron.Parser

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates a Scheduler. Schedules are evaluated in UTC.
func New(engine Engine, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:  parser,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Add registers a schedule. The definition file is loaded once here so a
// broken schedule is reported at startup; it is reloaded on every fire.
func (s *Scheduler) Add(cfg config.ScheduleConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if cfg.Caller == "" {
		cfg.Caller = "scheduler"
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", cfg.Name, cfg.Cron, err)
	}
	if _, err := orchestrator.LoadDefinition(cfg.Workflow); err != nil {
		return fmt.Errorf("schedule %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, cfg.Name)
	}
	j := &job{cfg: cfg}
	j.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_, _ = s.fire(ctx, j)
	}))
	s.jobs[cfg.Name] = j

	s.logger.Info("schedule registered",
		slog.String("name", cfg.Name),
		slog.String("cron", cfg.Cron),
		slog.String("workflow", cfg.Workflow),
		slog.String("caller", cfg.Caller),
	)
	return nil
}

// Start runs the cron loop until ctx ends or the returned stop function is
// called. Stop waits for in-flight fires.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "cron scheduler started", slog.Int("schedules", n))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("cron scheduler stopped")
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

// Fire submits the named schedule immediately.
func (s *Scheduler) Fire(ctx context.Context, name string) (*orchestrator.Workflow, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.fire(ctx, j)
}

// Entries lists registered schedules sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]Entry, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, Entry{
			Name:         j.cfg.Name,
			Cron:         j.cfg.Cron,
			Workflow:     j.cfg.Workflow,
			Caller:       j.cfg.Caller,
			Next:         s.cron.Entry(j.entryID).Next,
			LastWorkflow: j.lastWorkflow,
			LastError:    j.lastError,
		})
		j.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// fire loads the definition and submits it unless the schedule's previous
// workflow is still running.
func (s *Scheduler) fire(ctx context.Context, j *job) (*orchestrator.Workflow, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.lastWorkflow != "" && slices.Contains(s.engine.Active(), j.lastWorkflow) {
		s.metrics.skipped()
		s.logger.WarnContext(ctx, "schedule skipped",
			slog.String("name", j.cfg.Name),
			slog.String("active_workflow", j.lastWorkflow),
		)
		return nil, fmt.Errorf("%w: %s", ErrStillRunning, j.lastWorkflow)
	}

	start := time.Now()
	s.metrics.fired()
	s.logger.InfoContext(ctx, "firing schedule",
		slog.String("name", j.cfg.Name),
		slog.String("caller", j.cfg.Caller),
	)

	wf, err := s.submit(ctx, j.cfg)
	s.metrics.result(err)
	s.metrics.observe(time.Since(start).Seconds())

	if err != nil {
		j.lastError = err.Error()
		s.logger.ErrorContext(ctx, "scheduled submission failed",
			slog.String("name", j.cfg.Name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	j.lastError = ""
	j.lastWorkflow = wf.ID
	s.logger.InfoContext(ctx, "scheduled workflow submitted",
		slog.String("name", j.cfg.Name),
		slog.String("workflow_id", wf.ID),
	)
	return wf, nil
}

func (s *Scheduler) submit(ctx context.Context, cfg config.ScheduleConfig) (*orchestrator.Workflow, error) {
	def, err := orchestrator.LoadDefinition(cfg.Workflow)
	if err != nil {
		return nil, err
	}
	return s.engine.Submit(ctx, def, cfg.Caller)
}
