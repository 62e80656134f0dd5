package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/invoker"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// harness wires a real registry, assessor, gate, invoker and audit log
// around an engine backed by the in-memory store.
type harness struct {
	t        *testing.T
	registry *tools.Registry
	assessor *security.Assessor
	audit    *security.AuditLog
	gate     *approval.Gate
	invoker  *invoker.Invoker
	store    *InMemoryStore
	engine   *Engine
	config   EngineConfig

	calls   *recorder
	started chan string
	release chan struct{}
	once    sync.Once
	arrived atomic.Int32

	// decide, when set, answers every confirmation request.
	decide func(req approval.Request) approval.Decision
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		calls:   &recorder{},
		started: make(chan string, 16),
		release: make(chan struct{}),
	}

	label := tools.Param{Name: "label", Type: tools.TypeString, Required: true}
	params := []tools.Param{label}
	record := func(prefix string) tools.HandlerFunc {
		return func(_ context.Context, p map[string]any) (*tools.Result, error) {
			h.calls.add(prefix + fmt.Sprint(p["label"]))
			return &tools.Result{Output: "done " + fmt.Sprint(p["label"])}, nil
		}
	}

	reg := tools.NewRegistry()
	for _, d := range []tools.Descriptor{
		{Name: "ok", Category: "other", RiskLevel: security.RiskLow, SupportsCompensation: true, Parameters: params, Handler: record("")},
		{Name: "plain", Category: "other", RiskLevel: security.RiskLow, Parameters: params, Handler: record("")},
		{Name: "undo", Category: "other", RiskLevel: security.RiskLow, Parameters: params, Handler: record("undo:")},
		{Name: "wipe", Category: "system", RiskLevel: security.RiskCritical, Parameters: params, Handler: record("wipe:")},
		{Name: "boom", Category: "other", RiskLevel: security.RiskLow, Parameters: params,
			Handler: tools.HandlerFunc(func(_ context.Context, p map[string]any) (*tools.Result, error) {
				h.calls.add("boom:" + fmt.Sprint(p["label"]))
				return nil, errors.New("disk on fire")
			})},
		{Name: "flaky", Category: "network", RiskLevel: security.RiskLow, Parameters: params,
			Handler: tools.HandlerFunc(func(_ context.Context, p map[string]any) (*tools.Result, error) {
				h.calls.add("flaky:" + fmt.Sprint(p["label"]))
				return nil, tools.Transient(errors.New("503 service unavailable"))
			})},
		{Name: "slow", Category: "other", RiskLevel: security.RiskLow, SupportsCompensation: true, Parameters: params,
			Handler: tools.HandlerFunc(func(_ context.Context, p map[string]any) (*tools.Result, error) {
				h.started <- fmt.Sprint(p["label"])
				<-h.release
				h.calls.add("slow:" + fmt.Sprint(p["label"]))
				return &tools.Result{Output: "slow done"}, nil
			})},
		{Name: "barrier", Category: "other", RiskLevel: security.RiskLow, Parameters: params,
			Handler: tools.HandlerFunc(func(_ context.Context, p map[string]any) (*tools.Result, error) {
				h.arrived.Add(1)
				deadline := time.After(2 * time.Second)
				for h.arrived.Load() < 3 {
					select {
					case <-deadline:
						return nil, errors.New("siblings never arrived")
					case <-time.After(time.Millisecond):
					}
				}
				h.calls.add("barrier:" + fmt.Sprint(p["label"]))
				return &tools.Result{}, nil
			})},
	} {
		reg.MustRegister(d)
	}
	reg.Freeze()
	h.registry = reg

	assessor, err := security.NewAssessor(security.AssessorConfig{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h.assessor = assessor
	h.audit = security.NewAuditLog(testLogger())
	h.gate = approval.NewGate(time.Second, testLogger(), approval.WithNotifier(approval.NotifierFunc(
		func(_ context.Context, req approval.Request) error {
			if h.decide == nil {
				return errors.New("nobody is listening")
			}
			d := h.decide(req)
			go func() { _ = h.gate.Resolve(req.InvocationID, d) }()
			return nil
		})))
	h.invoker = invoker.New(reg, h.audit, nil, testLogger())
	h.store = NewInMemoryStore()

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 2 * time.Second
	}
	h.config = cfg
	h.engine = NewEngine(h.store, reg, assessor, h.gate, h.invoker, nil, testLogger(), cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	// Registered last so it runs first: unblock slow handlers before shutdown waits.
	t.Cleanup(h.unblock)
	return h
}

func (h *harness) unblock() { h.once.Do(func() { close(h.release) }) }

func (h *harness) submit(def Definition) *Workflow {
	h.t.Helper()
	wf, err := h.engine.Submit(context.Background(), def, "alice")
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	return wf
}

func (h *harness) wait(id string) *Workflow {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wf, err := h.engine.Wait(ctx, id)
	if err != nil {
		h.t.Fatalf("Wait: %v", err)
	}
	if !wf.Status.Terminal() {
		h.t.Fatalf("workflow %s not terminal: %s", id, wf.Status)
	}
	assertMonotonic(h.t, wf)
	return wf
}

func (h *harness) run(def Definition) *Workflow {
	h.t.Helper()
	return h.wait(h.submit(def).ID)
}

func (h *harness) waitStarted() string {
	h.t.Helper()
	select {
	case l := <-h.started:
		return l
	case <-time.After(2 * time.Second):
		h.t.Fatal("slow handler never started")
		return ""
	}
}

func (h *harness) waitFor(what string, cond func(*Workflow) bool, id string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := h.engine.Get(context.Background(), id)
		if err == nil && cond(wf) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) auditFor(workflowID string) []security.AuditRecord {
	h.t.Helper()
	recs, err := h.audit.Query(context.Background(), security.AuditFilter{WorkflowID: workflowID})
	if err != nil {
		h.t.Fatal(err)
	}
	return recs
}

func step(tool, label string) StepDefinition {
	return StepDefinition{Tool: tool, Parameters: map[string]any{"label": label}}
}

func compensated(s StepDefinition, tool, label string) StepDefinition {
	s.Compensation = &Action{Tool: tool, Parameters: map[string]any{"label": label}}
	return s
}

func independent(s StepDefinition) StepDefinition {
	s.Independent = true
	return s
}

func definition(steps ...StepDefinition) Definition {
	return Definition{Name: "test", Steps: steps}
}

func intPtr(n int) *int { return &n }

// assertMonotonic replays step_status history and checks every move is an
// edge of the transition graph starting where the previous one ended.
func assertMonotonic(t *testing.T, wf *Workflow) {
	t.Helper()
	last := make([]StepStatus, len(wf.Steps))
	for i := range last {
		last[i] = StepPending
	}
	prevSeq := 0
	for _, h := range wf.History {
		if h.Seq != prevSeq+1 {
			t.Fatalf("history seq %d follows %d", h.Seq, prevSeq)
		}
		prevSeq = h.Seq
		if h.Kind != HistoryStepStatus {
			continue
		}
		from, to := StepStatus(h.From), StepStatus(h.To)
		if from != last[h.StepIndex] {
			t.Fatalf("step %d: history says %s → %s but step was %s", h.StepIndex, from, to, last[h.StepIndex])
		}
		if !CanTransition(from, to) {
			t.Fatalf("step %d: illegal transition %s → %s", h.StepIndex, from, to)
		}
		last[h.StepIndex] = to
	}
	for i, s := range wf.Steps {
		if s.Status != last[i] {
			t.Errorf("step %d status %s but history ends at %s", i, s.Status, last[i])
		}
	}
}

func statuses(wf *Workflow) []StepStatus {
	out := make([]StepStatus, len(wf.Steps))
	for i, s := range wf.Steps {
		out[i] = s.Status
	}
	return out
}

func historyOf(wf *Workflow, kind HistoryKind) []HistoryEntry {
	var out []HistoryEntry
	for _, h := range wf.History {
		if h.Kind == kind {
			out = append(out, h)
		}
	}
	return out
}

// --- Sequential execution ---

func TestEngine_CompletesStepsInOrder(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(step("ok", "a"), step("ok", "b"), step("plain", "c")))

	if wf.Status != WorkflowCompleted {
		t.Fatalf("status = %s (%s)", wf.Status, wf.Error)
	}
	if got := h.calls.list(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("calls = %v", got)
	}
	for i, s := range wf.Steps {
		if s.Status != StepCompleted || s.Attempts != 1 || s.Result == nil || s.Risk == nil {
			t.Errorf("step %d = %+v", i, s)
		}
		if s.Confirmation != security.ConfirmationNone {
			t.Errorf("step %d confirmation = %s", i, s.Confirmation)
		}
	}
	if wf.Steps[0].Result.Output != "done a" {
		t.Errorf("output = %q", wf.Steps[0].Result.Output)
	}
	if wf.CompletedAt == nil || wf.Error != "" {
		t.Errorf("completed_at=%v error=%q", wf.CompletedAt, wf.Error)
	}
	if recs := h.auditFor(wf.ID); len(recs) != 3 {
		t.Errorf("got %d audit records, want 3", len(recs))
	}
}

func TestEngine_UngatedHistoryRecordsNoConfirmation(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(step("ok", "a"), step("plain", "b")))

	if wf.Status != WorkflowCompleted {
		t.Fatalf("status = %s (%s)", wf.Status, wf.Error)
	}
	entries := historyOf(wf, HistoryStepStatus)
	if len(entries) == 0 {
		t.Fatal("no step history")
	}
	for _, e := range entries {
		if e.Confirmation != security.ConfirmationNone {
			t.Errorf("step %d %s → %s confirmation = %q", e.StepIndex, e.From, e.To, e.Confirmation)
		}
	}
	for _, r := range h.auditFor(wf.ID) {
		if r.Confirmation != security.ConfirmationNone {
			t.Errorf("audit %s confirmation = %q", r.InvocationID, r.Confirmation)
		}
	}

	wfs := historyOf(wf, HistoryWorkflowStatus)
	if len(wfs) != 3 || wfs[0].To != "pending" || wfs[1].To != "running" || wfs[2].To != "completed" {
		t.Errorf("workflow history = %+v", wfs)
	}
}

func TestEngine_SubmitReturnsPendingSnapshot(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.submit(definition(step("ok", "a")))
	if wf.Status != WorkflowPending || wf.ID == "" || wf.SubmittedBy != "alice" || wf.FailurePolicy != PolicyAbort {
		t.Errorf("snapshot = %+v", wf)
	}
	if wf.Timeout != 30*time.Minute {
		t.Errorf("timeout = %s", wf.Timeout)
	}
	h.wait(wf.ID)
}

// --- Rollback ---

func TestEngine_RollbackRunsCompensationsInReverse(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(
		compensated(step("ok", "A"), "undo", "A"),
		compensated(step("ok", "B"), "undo", "B"),
		step("boom", "C"),
	))

	if wf.Status != WorkflowRolledBack {
		t.Fatalf("status = %s (%s)", wf.Status, wf.Error)
	}
	want := []StepStatus{StepRolledBack, StepRolledBack, StepFailed}
	if got := statuses(wf); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if got := h.calls.list(); !slices.Equal(got, []string{"A", "B", "boom:C", "undo:B", "undo:A"}) {
		t.Errorf("calls = %v", got)
	}
	if wf.ErrorKind != invoker.KindPermanentFailure || !strings.Contains(wf.Error, "step 2 (boom)") {
		t.Errorf("error = %q kind = %q", wf.Error, wf.ErrorKind)
	}

	rb := historyOf(wf, HistoryRollback)
	if len(rb) != 2 || rb[0].StepIndex != 1 || rb[1].StepIndex != 0 {
		t.Fatalf("rollback history = %+v", rb)
	}

	started := historyOf(wf, HistoryRollbackStarted)
	if len(started) != 1 || started[0].StepIndex != 2 ||
		started[0].From != string(WorkflowRunning) || started[0].To != string(WorkflowFailed) {
		t.Fatalf("rollback_started = %+v", started)
	}
	for _, e := range rb {
		if e.Confirmation != security.ConfirmationNone {
			t.Errorf("compensation of step %d confirmation = %q", e.StepIndex, e.Confirmation)
		}
	}
	if started[0].Seq > rb[0].Seq {
		t.Errorf("failure recorded after compensation began: %d > %d", started[0].Seq, rb[0].Seq)
	}

	var comp []security.AuditRecord
	for _, r := range h.auditFor(wf.ID) {
		if r.Compensation {
			comp = append(comp, r)
		}
	}
	if len(comp) != 2 || comp[0].StepIndex != 1 || comp[1].StepIndex != 0 {
		t.Fatalf("compensation audit = %+v", comp)
	}
	if comp[0].InvocationID == comp[1].InvocationID || comp[0].InvocationID != rb[0].InvocationID {
		t.Errorf("each compensation needs its own invocation: %+v", comp)
	}
}

func TestEngine_RollbackSkipsStepsWithoutCompensation(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(
		step("plain", "A"),
		compensated(step("ok", "B"), "undo", "B"),
		step("boom", "C"),
		step("ok", "D"),
	))

	if wf.Status != WorkflowRolledBack {
		t.Fatalf("status = %s", wf.Status)
	}
	want := []StepStatus{StepCompleted, StepRolledBack, StepFailed, StepSkipped}
	if got := statuses(wf); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	skipped := historyOf(wf, HistoryRollbackSkipped)
	if len(skipped) != 1 || skipped[0].StepIndex != 0 {
		t.Errorf("rollback_skipped = %+v", skipped)
	}
}

func TestEngine_NothingToCompensateEndsFailed(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(step("plain", "A"), step("boom", "B")))
	if wf.Status != WorkflowFailed {
		t.Fatalf("status = %s", wf.Status)
	}
	if len(historyOf(wf, HistoryRollbackStarted)) != 1 {
		t.Error("expected the failure to be recorded before rollback")
	}
	if len(historyOf(wf, HistoryRollbackSkipped)) != 1 {
		t.Error("expected rollback_skipped for step 0")
	}
}

func TestEngine_RollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(
		compensated(step("ok", "A"), "undo", "A"),
		compensated(step("ok", "B"), "boom", "undo-B"),
		step("boom", "C"),
	))

	if wf.Status != WorkflowFailed || wf.ErrorKind != KindRollbackFailure {
		t.Fatalf("status = %s kind = %s", wf.Status, wf.ErrorKind)
	}
	if !strings.Contains(wf.Error, ErrRollbackFailure.Error()) {
		t.Errorf("error = %q", wf.Error)
	}
	// Rollback stops at the failed compensation; A is left for manual remediation.
	want := []StepStatus{StepCompleted, StepCompleted, StepFailed}
	if got := statuses(wf); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if slices.Contains(h.calls.list(), "undo:A") {
		t.Error("rollback continued past a failed compensation")
	}
	failed := historyOf(wf, HistoryRollbackFailed)
	if len(failed) != 1 || failed[0].StepIndex != 1 {
		t.Errorf("rollback_failed = %+v", failed)
	}
}

// --- Retries ---

func TestEngine_RetryBoundFailsStep(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxRetries: intPtr(3)})
	wf := h.run(definition(step("flaky", "x")))

	s := wf.Steps[0]
	if s.Status != StepFailed || s.Attempts != 4 {
		t.Fatalf("step = %s after %d attempts", s.Status, s.Attempts)
	}
	if s.Result.ErrorKind != invoker.KindTransientFailure {
		t.Errorf("error kind = %s", s.Result.ErrorKind)
	}
	if n := len(h.calls.list()); n != 4 {
		t.Errorf("handler called %d times", n)
	}
	recs, _ := h.audit.Query(context.Background(), security.AuditFilter{InvocationID: s.InvocationID})
	if len(recs) != 4 || recs[3].Attempt != 4 {
		t.Errorf("audit = %+v", recs)
	}

	retrying := 0
	for _, e := range historyOf(wf, HistoryStepStatus) {
		if e.To == string(StepRetrying) {
			retrying++
		}
	}
	if retrying != 3 {
		t.Errorf("saw %d retrying transitions, want 3", retrying)
	}
	if wf.Status != WorkflowFailed {
		t.Errorf("workflow status = %s", wf.Status)
	}
}

func TestEngine_StepRetryOverride(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	s := step("flaky", "x")
	s.MaxRetries = intPtr(0)
	wf := h.run(definition(s))
	if wf.Steps[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", wf.Steps[0].Attempts)
	}
}

// --- Confirmation ---

func TestEngine_ConfirmationTimeoutFailsStep(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfirmationTimeout: 30 * time.Millisecond})
	wf := h.run(definition(step("wipe", "disk")))

	s := wf.Steps[0]
	if s.Status != StepFailed || s.Result.ErrorKind != invoker.KindConfirmationTimeout {
		t.Fatalf("step = %s %+v", s.Status, s.Result)
	}
	if s.Confirmation != security.ConfirmationTimeout {
		t.Errorf("confirmation = %s", s.Confirmation)
	}
	if len(h.calls.list()) != 0 {
		t.Error("gated tool reached the handler")
	}
	if wf.Status != WorkflowFailed {
		t.Errorf("workflow = %s", wf.Status)
	}

	recs := h.auditFor(wf.ID)
	if len(recs) != 1 || recs[0].Outcome != security.OutcomeDenied || recs[0].Confirmation != security.ConfirmationTimeout {
		t.Errorf("audit = %+v", recs)
	}
	if !slices.ContainsFunc(wf.History, func(e HistoryEntry) bool { return e.To == string(StepAwaitingConfirmation) }) {
		t.Error("step never awaited confirmation")
	}
}

func TestEngine_StepConfirmationTimeoutOverride(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfirmationTimeout: time.Hour})
	s := step("wipe", "disk")
	s.ConfirmationTimeoutSeconds = 1

	start := time.Now()
	wf := h.run(definition(s))

	st := wf.Steps[0]
	if st.Status != StepFailed || st.Result.ErrorKind != invoker.KindConfirmationTimeout {
		t.Fatalf("step = %s %+v", st.Status, st.Result)
	}
	if st.Confirmation != security.ConfirmationTimeout {
		t.Errorf("confirmation = %s", st.Confirmation)
	}
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 4*time.Second {
		t.Errorf("waited %s, want about the step's 1s", elapsed)
	}
}

func TestEngine_ConfirmationTimeoutWithContinuePolicy(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfirmationTimeout: 30 * time.Millisecond})
	def := definition(step("wipe", "disk"), step("ok", "after"))
	def.FailurePolicy = PolicyContinue
	wf := h.run(def)

	if got := statuses(wf); !slices.Equal(got, []StepStatus{StepFailed, StepCompleted}) {
		t.Errorf("statuses = %v", got)
	}
	if wf.Status != WorkflowFailed || wf.ErrorKind != invoker.KindConfirmationTimeout {
		t.Errorf("workflow = %s %s", wf.Status, wf.ErrorKind)
	}
}

func TestEngine_ConfirmationApproved(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.decide = func(approval.Request) approval.Decision { return approval.Decision{Approve: true, By: "ops"} }
	wf := h.run(definition(step("wipe", "disk")))

	s := wf.Steps[0]
	if s.Status != StepCompleted || s.Confirmation != security.ConfirmationApproved {
		t.Fatalf("step = %s confirmation = %s", s.Status, s.Confirmation)
	}
	if s.Risk == nil || !s.Risk.RequiresConfirmation || s.Risk.Level != security.RiskCritical {
		t.Errorf("risk = %+v", s.Risk)
	}
	recs := h.auditFor(wf.ID)
	if len(recs) != 1 || recs[0].Confirmation != security.ConfirmationApproved || recs[0].Outcome != security.OutcomeSuccess {
		t.Errorf("audit = %+v", recs)
	}
}

func TestEngine_ConfirmationDenied(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.decide = func(approval.Request) approval.Decision { return approval.Decision{Approve: false, By: "ops", Reason: "not today"} }
	wf := h.run(definition(step("wipe", "disk")))

	s := wf.Steps[0]
	if s.Status != StepFailed || s.Result.ErrorKind != invoker.KindConfirmationDenied {
		t.Fatalf("step = %s %+v", s.Status, s.Result)
	}
	if len(h.calls.list()) != 0 {
		t.Error("denied tool reached the handler")
	}
}

func TestEngine_StepThresholdOverride(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	var asked atomic.Int32
	h.decide = func(approval.Request) approval.Decision {
		asked.Add(1)
		return approval.Decision{Approve: true}
	}

	strict := step("ok", "a")
	th := 0.05
	strict.RiskThreshold = &th
	wf := h.run(definition(strict, step("ok", "b")))

	if asked.Load() != 1 {
		t.Fatalf("confirmations asked = %d, want 1", asked.Load())
	}
	if wf.Steps[0].Confirmation != security.ConfirmationApproved || wf.Steps[1].Confirmation != security.ConfirmationNone {
		t.Errorf("confirmations = %s, %s", wf.Steps[0].Confirmation, wf.Steps[1].Confirmation)
	}
	if wf.Steps[0].Risk.Threshold != 0.05 || wf.Steps[1].Risk.Threshold != 0.7 {
		t.Errorf("thresholds = %v, %v", wf.Steps[0].Risk.Threshold, wf.Steps[1].Risk.Threshold)
	}
}

// --- Cancellation ---

func TestEngine_CancelLetsInFlightAttemptFinish(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.submit(definition(step("slow", "a"), step("ok", "b")))
	h.waitStarted()

	if err := h.engine.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	mid, _ := h.engine.Get(context.Background(), wf.ID)
	if mid.Status != WorkflowRunning || mid.Steps[0].Status != StepRunning {
		t.Fatalf("in-flight attempt was interrupted: %s / %s", mid.Status, mid.Steps[0].Status)
	}

	h.unblock()
	got := h.wait(wf.ID)
	if got.Status != WorkflowCancelled || got.ErrorKind != invoker.KindCancelled {
		t.Fatalf("status = %s kind = %s", got.Status, got.ErrorKind)
	}
	if st := statuses(got); !slices.Equal(st, []StepStatus{StepCompleted, StepSkipped}) {
		t.Errorf("statuses = %v", st)
	}
	if calls := h.calls.list(); !slices.Equal(calls, []string{"slow:a"}) {
		t.Errorf("calls = %v", calls)
	}
	if len(historyOf(got, HistoryCancelRequested)) != 1 {
		t.Error("cancel request not in history")
	}
	if len(historyOf(got, HistoryRollback)) != 0 {
		t.Error("cancellation must not roll back")
	}
}

func TestEngine_CancelStopsRetries(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxRetries: intPtr(5), RetryDelay: time.Hour})
	wf := h.submit(definition(step("flaky", "x"), step("ok", "y")))
	h.waitFor("retrying", func(w *Workflow) bool { return w.Steps[0].Status == StepRetrying }, wf.ID)

	if err := h.engine.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatal(err)
	}
	got := h.wait(wf.ID)
	if got.Status != WorkflowCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	s := got.Steps[0]
	if s.Status != StepFailed || s.Attempts != 1 || s.Result.ErrorKind != invoker.KindCancelled {
		t.Errorf("step = %s attempts=%d %+v", s.Status, s.Attempts, s.Result)
	}
	if got.Steps[1].Status != StepSkipped {
		t.Errorf("next step = %s", got.Steps[1].Status)
	}
}

func TestEngine_WorkflowTimeoutActsAsCancel(t *testing.T) {
	h := newHarness(t, EngineConfig{WorkflowTimeout: 30 * time.Millisecond})
	wf := h.submit(definition(step("slow", "a"), step("ok", "b")))
	h.waitStarted()
	h.waitFor("timeout", func(w *Workflow) bool { return len(historyOf(w, HistoryCancelRequested)) == 1 }, wf.ID)
	h.unblock()

	got := h.wait(wf.ID)
	if got.Status != WorkflowCancelled || !strings.Contains(got.Error, "timeout") {
		t.Fatalf("status = %s error = %q", got.Status, got.Error)
	}
	if st := statuses(got); !slices.Equal(st, []StepStatus{StepCompleted, StepSkipped}) {
		t.Errorf("statuses = %v", st)
	}
}

func TestEngine_CancelFinishedWorkflow(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(step("ok", "a")))
	if err := h.engine.Cancel(context.Background(), wf.ID); !errors.Is(err, ErrWorkflowFinished) {
		t.Errorf("expected ErrWorkflowFinished, got %v", err)
	}
	if err := h.engine.Cancel(context.Background(), "nope"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

// --- Independent steps ---

func TestEngine_IndependentStepsRunConcurrently(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(
		independent(step("barrier", "x")),
		independent(step("barrier", "y")),
		independent(step("barrier", "z")),
		step("ok", "after"),
	))

	if wf.Status != WorkflowCompleted {
		t.Fatalf("status = %s (%s)", wf.Status, wf.Error)
	}
	calls := h.calls.list()
	if len(calls) != 4 || calls[3] != "after" {
		t.Errorf("join barrier not honoured: %v", calls)
	}
}

func TestEngine_BatchFailureJoinsThenRollsBack(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(
		compensated(step("ok", "a"), "undo", "a"),
		independent(step("boom", "b")),
		independent(compensated(step("ok", "c"), "undo", "c")),
		step("ok", "d"),
	))

	if wf.Status != WorkflowRolledBack {
		t.Fatalf("status = %s", wf.Status)
	}
	want := []StepStatus{StepRolledBack, StepFailed, StepRolledBack, StepSkipped}
	if got := statuses(wf); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	calls := h.calls.list()
	if !slices.Equal(calls[len(calls)-2:], []string{"undo:c", "undo:a"}) {
		t.Errorf("calls = %v", calls)
	}
}

// --- Failure policies ---

func TestEngine_BestEffortStepDoesNotAbort(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	soft := step("boom", "b")
	soft.BestEffort = true
	wf := h.run(definition(step("ok", "a"), soft, step("ok", "c")))

	if wf.Status != WorkflowCompleted {
		t.Fatalf("status = %s", wf.Status)
	}
	if got := statuses(wf); !slices.Equal(got, []StepStatus{StepCompleted, StepFailed, StepCompleted}) {
		t.Errorf("statuses = %v", got)
	}
}

func TestEngine_ContinuePolicyRunsEverything(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	def := definition(step("boom", "a"), step("ok", "b"))
	def.FailurePolicy = PolicyContinue
	wf := h.run(def)

	if wf.Status != WorkflowFailed || len(historyOf(wf, HistoryRollback)) != 0 {
		t.Fatalf("status = %s", wf.Status)
	}
	if wf.Steps[1].Status != StepCompleted {
		t.Errorf("step 1 = %s", wf.Steps[1].Status)
	}
}

// --- Submission ---

func TestEngine_SubmitRejectsInvalidWorkflows(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	cases := map[string]Definition{
		"empty name":                {Steps: []StepDefinition{step("ok", "a")}},
		"no steps":                  {Name: "x"},
		"unknown tool":              definition(step("ghost", "a")),
		"bad params":                definition(StepDefinition{Tool: "ok", Parameters: map[string]any{"label": 7}}),
		"missing param":             definition(StepDefinition{Tool: "ok"}),
		"unsupported compensation":  definition(compensated(step("plain", "a"), "undo", "a")),
		"unknown compensation tool": definition(compensated(step("ok", "a"), "ghost", "a")),
		"bad compensation params":   definition(StepDefinition{Tool: "ok", Parameters: map[string]any{"label": "a"}, Compensation: &Action{Tool: "undo"}}),
		"bad policy":                {Name: "x", FailurePolicy: "retry-forever", Steps: []StepDefinition{step("ok", "a")}},
		"negative retries":          definition(StepDefinition{Tool: "ok", Parameters: map[string]any{"label": "a"}, MaxRetries: intPtr(-1)}),
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Submit(context.Background(), def, "alice")
			if !errors.Is(err, ErrInvalidWorkflow) {
				t.Fatalf("expected ErrInvalidWorkflow, got %v", err)
			}
		})
	}
	all, _ := h.engine.List(context.Background(), ListFilter{})
	if len(all) != 0 {
		t.Errorf("rejected workflows were stored: %d", len(all))
	}
}

func TestEngine_UnknownToolErrorIsWrapped(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	_, err := h.engine.Submit(context.Background(), definition(step("ghost", "a")), "alice")
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool in chain, got %v", err)
	}
}

// --- Queries and lifecycle ---

func TestEngine_ListHistoryDelete(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	done := h.run(definition(step("ok", "a")))
	running := h.submit(definition(step("slow", "b")))
	h.waitStarted()

	completed, err := h.engine.List(context.Background(), ListFilter{Status: WorkflowCompleted})
	if err != nil || len(completed) != 1 || completed[0].ID != done.ID {
		t.Fatalf("List(completed) = %v, %v", completed, err)
	}

	hist, err := h.engine.History(context.Background(), done.ID)
	if err != nil || len(hist) != len(done.History) {
		t.Errorf("History = %d entries, %v", len(hist), err)
	}

	if err := h.engine.Delete(context.Background(), running.ID); !errors.Is(err, ErrWorkflowActive) {
		t.Errorf("expected ErrWorkflowActive, got %v", err)
	}
	h.unblock()
	h.wait(running.ID)

	if err := h.engine.Delete(context.Background(), done.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.engine.Get(context.Background(), done.ID); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound after delete, got %v", err)
	}
}

func TestEngine_GetReturnsIndependentCopy(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.run(definition(step("ok", "a")))
	wf.Steps[0].Parameters["label"] = "mutated"
	wf.History[0].Detail = "mutated"

	again, _ := h.engine.Get(context.Background(), wf.ID)
	if again.Steps[0].Parameters["label"] != "a" || again.History[0].Detail == "mutated" {
		t.Error("snapshot shares state with the engine")
	}
}

func TestEngine_ShutdownCancelsAndRejects(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	wf := h.submit(definition(step("slow", "a"), step("ok", "b")))
	h.waitStarted()

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- h.engine.Shutdown(ctx)
	}()
	h.waitFor("cancel request", func(w *Workflow) bool { return len(historyOf(w, HistoryCancelRequested)) == 1 }, wf.ID)
	h.unblock()
	if err := <-errc; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := h.engine.Get(context.Background(), wf.ID)
	if got.Status != WorkflowCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := h.engine.Submit(context.Background(), definition(step("ok", "c")), "alice"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}

func TestEngine_QueuedWorkflowCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxConcurrentWorkflows: 1})
	first := h.submit(definition(step("slow", "a")))
	h.waitStarted()
	queued := h.submit(definition(step("ok", "b")))

	if err := h.engine.Cancel(context.Background(), queued.ID); err != nil {
		t.Fatal(err)
	}
	got := h.wait(queued.ID)
	if got.Status != WorkflowCancelled || got.Steps[0].Status != StepSkipped {
		t.Errorf("queued workflow = %s / %s", got.Status, got.Steps[0].Status)
	}
	h.unblock()
	h.wait(first.ID)
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	now := time.Now().UTC()
	stale := &Workflow{
		ID:        "stale-1",
		Name:      "left behind",
		Status:    WorkflowRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Steps: []Step{
			{Tool: "ok", Status: StepCompleted},
			{Tool: "ok", Status: StepRunning},
			{Tool: "ok", Status: StepPending},
		},
		History: []HistoryEntry{{Seq: 1, Kind: HistoryWorkflowStatus, StepIndex: -1, To: "pending"}},
	}
	if err := h.store.CreateWorkflow(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	h.run(definition(step("ok", "fresh")))

	n, err := h.engine.RecoverInterrupted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted = %d, %v", n, err)
	}
	got, _ := h.engine.Get(context.Background(), "stale-1")
	if got.Status != WorkflowFailed || !strings.Contains(got.Error, "interrupted") {
		t.Errorf("status = %s error = %q", got.Status, got.Error)
	}
	if st := statuses(got); !slices.Equal(st, []StepStatus{StepCompleted, StepFailed, StepSkipped}) {
		t.Errorf("statuses = %v", st)
	}
}

// --- Metrics ---

func TestEngine_Metrics(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	reg := prometheus.NewRegistry()
	metrics := NewWorkflowMetrics(reg)
	h.engine = NewEngine(h.store, h.registry, h.assessor, h.gate, h.invoker, metrics, testLogger(), h.config)

	h.run(definition(step("ok", "a")))
	h.run(definition(compensated(step("ok", "b"), "undo", "b"), step("boom", "c")))

	var m dto.Metric
	if err := metrics.WorkflowsTotal.WithLabelValues("completed").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("completed workflows = %v", m.GetCounter().GetValue())
	}
	m.Reset()
	if err := metrics.RollbacksTotal.WithLabelValues("compensated").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("compensations = %v", m.GetCounter().GetValue())
	}
	m.Reset()
	if err := metrics.ActiveWorkflows.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetGauge().GetValue() != 0 {
		t.Errorf("active workflows = %v after completion", m.GetGauge().GetValue())
	}
}

func TestNewWorkflowMetrics_NilRegistry(t *testing.T) {
	if NewWorkflowMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}
