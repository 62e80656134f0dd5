package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/stepguard/internal/config"
	"github.com/jkaninda/stepguard/internal/orchestrator"
)

// fakeEngine records submissions; workflows stay active until finish.
type fakeEngine struct {
	mu        sync.Mutex
	submitted []orchestrator.Definition
	callers   []string
	active    []string
	err       error
	fired     chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fired: make(chan string, 8)}
}

func (f *fakeEngine) Submit(_ context.Context, def orchestrator.Definition, by string) (*orchestrator.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, def)
	f.callers = append(f.callers, by)
	id := def.Name + "-" + string(rune('0'+len(f.submitted)))
	f.active = append(f.active, id)
	select {
	case f.fired <- id:
	default:
	}
	return &orchestrator.Workflow{ID: id, Name: def.Name, SubmittedBy: by}, nil
}

func (f *fakeEngine) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.active)
}

func (f *fakeEngine) finish(id string) {
	f.mu.Lock()
	f.active = slices.DeleteFunc(f.active, func(a string) bool { return a == id })
	f.mu.Unlock()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDefinition(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	data := "name: " + name + "\nsteps:\n  - tool: echo\n    parameters:\n      message: tick\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- Registration ---

func TestAdd_Validation(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "nightly")
	s := New(newFakeEngine(), nil, testLogger())

	cases := map[string]config.ScheduleConfig{
		"no name":      {Cron: "0 2 * * *", Workflow: path},
		"bad cron":     {Name: "a", Cron: "every night", Workflow: path},
		"six fields":   {Name: "b", Cron: "0 0 2 * * *", Workflow: path},
		"missing file": {Name: "c", Cron: "0 2 * * *", Workflow: filepath.Join(dir, "missing.yaml")},
	}
	for name, cfg := range cases {
		if err := s.Add(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if err := s.Add(config.ScheduleConfig{Name: "nightly", Cron: "0 2 * * *", Workflow: path}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(config.ScheduleConfig{Name: "nightly", Cron: "@hourly", Workflow: path}); !errors.Is(err, ErrDuplicateSchedule) {
		t.Errorf("expected ErrDuplicateSchedule, got %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Caller != "scheduler" || entries[0].Cron != "0 2 * * *" {
		t.Errorf("entries = %+v", entries)
	}
}

// --- Firing ---

func TestFire_SubmitsAsCaller(t *testing.T) {
	eng := newFakeEngine()
	s := New(eng, nil, testLogger())
	path := writeDefinition(t, t.TempDir(), "rotate")
	if err := s.Add(config.ScheduleConfig{Name: "rotate", Cron: "@daily", Workflow: path, Caller: "ops"}); err != nil {
		t.Fatal(err)
	}

	wf, err := s.Fire(context.Background(), "rotate")
	if err != nil {
		t.Fatal(err)
	}
	if wf.SubmittedBy != "ops" || eng.submitted[0].Name != "rotate" {
		t.Errorf("workflow = %+v, submitted = %+v", wf, eng.submitted)
	}
	if got := s.Entries()[0].LastWorkflow; got != wf.ID {
		t.Errorf("last workflow = %q", got)
	}

	if _, err := s.Fire(context.Background(), "ghost"); !errors.Is(err, ErrUnknownSchedule) {
		t.Errorf("expected ErrUnknownSchedule, got %v", err)
	}
}

func TestFire_SkipsWhileActive(t *testing.T) {
	eng := newFakeEngine()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(eng, m, testLogger())
	path := writeDefinition(t, t.TempDir(), "sync")
	if err := s.Add(config.ScheduleConfig{Name: "sync", Cron: "@hourly", Workflow: path}); err != nil {
		t.Fatal(err)
	}

	first, err := s.Fire(context.Background(), "sync")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire(context.Background(), "sync"); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("expected ErrStillRunning, got %v", err)
	}

	eng.finish(first.ID)
	if _, err := s.Fire(context.Background(), "sync"); err != nil {
		t.Fatalf("after finish: %v", err)
	}

	if got := counterValue(t, m.JobsFired); got != 2 {
		t.Errorf("fired = %v", got)
	}
	if got := counterValue(t, m.JobsSkipped); got != 1 {
		t.Errorf("skipped = %v", got)
	}
	if got := counterValue(t, m.JobsSucceeded); got != 2 {
		t.Errorf("succeeded = %v", got)
	}
}

func TestFire_ReloadsDefinition(t *testing.T) {
	eng := newFakeEngine()
	s := New(eng, nil, testLogger())
	dir := t.TempDir()
	path := writeDefinition(t, dir, "v1")
	if err := s.Add(config.ScheduleConfig{Name: "job", Cron: "@hourly", Workflow: path}); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Fire(context.Background(), "job")
	eng.finish(first.ID)

	if err := os.WriteFile(path, []byte("name: v2\nsteps: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	second, err := s.Fire(context.Background(), "job")
	if err != nil {
		t.Fatal(err)
	}
	if second.Name != "v2" {
		t.Errorf("name = %q, want edited definition", second.Name)
	}
}

func TestFire_RecordsFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.err = orchestrator.ErrEngineClosed
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(eng, m, testLogger())
	path := writeDefinition(t, t.TempDir(), "broken")
	if err := s.Add(config.ScheduleConfig{Name: "broken", Cron: "@hourly", Workflow: path}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Fire(context.Background(), "broken"); !errors.Is(err, orchestrator.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if e := s.Entries()[0]; e.LastError == "" || e.LastWorkflow != "" {
		t.Errorf("entry = %+v", e)
	}
	if got := counterValue(t, m.JobsFailed); got != 1 {
		t.Errorf("failed = %v", got)
	}
}

// --- Cron loop ---

func TestStart_FiresOnSchedule(t *testing.T) {
	eng := newFakeEngine()
	s := New(eng, nil, testLogger())
	path := writeDefinition(t, t.TempDir(), "tick")
	if err := s.Add(config.ScheduleConfig{Name: "tick", Cron: "@every 1s", Workflow: path}); err != nil {
		t.Fatal(err)
	}

	stop := s.Start(context.Background())
	defer stop()

	if next := s.Entries()[0].Next; next.IsZero() {
		t.Error("next run not computed after start")
	}
	select {
	case id := <-eng.fired:
		if id == "" {
			t.Error("empty workflow id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never fired")
	}
}
