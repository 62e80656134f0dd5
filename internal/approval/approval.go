// Package approval implements the confirmation gate: invocations whose risk
// demands it are suspended until an operator or policy decides, or until the
// wait expires.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
)

var (
	ErrNotFound            = errors.New("confirmation not found")
	ErrAlreadyResolved     = errors.New("confirmation already resolved")
	ErrAlreadyPending      = errors.New("confirmation already pending")
	ErrConfirmationDenied  = errors.New("confirmation denied")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

// DefaultWait bounds how long an invocation waits for a decision.
const DefaultWait = 5 * time.Minute

// Status represents the state of a confirmation request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Confirmation maps the status to the value recorded in the audit log.
func (s Status) Confirmation() security.Confirmation {
	switch s {
	case StatusApproved:
		return security.ConfirmationApproved
	case StatusDenied:
		return security.ConfirmationDenied
	case StatusTimedOut:
		return security.ConfirmationTimeout
	default:
		return security.ConfirmationNone
	}
}

// Request is what the gate emits to confirmation channels.
type Request struct {
	InvocationID   string                  `json:"invocation_id"`
	WorkflowID     string                  `json:"workflow_id,omitempty"`
	StepIndex      int                     `json:"step_index"`
	ToolName       string                  `json:"tool_name"`
	Parameters     map[string]any          `json:"parameters,omitempty"`
	CallerIdentity string                  `json:"caller_identity,omitempty"`
	Risk           security.RiskAssessment `json:"risk"`
	Compensation   bool                    `json:"compensation,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
}

// Decision is the asynchronous answer to a Request.
type Decision struct {
	Approve bool   `json:"approve"`
	By      string `json:"by,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Verdict is the final state of a request.
type Verdict struct {
	Status     Status    `json:"-"`
	By         string    `json:"by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Notifier delivers confirmation requests to an external channel.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// Resolver accepts decisions from an external channel.
type Resolver interface {
	Resolve(invocationID string, d Decision) error
}

type entry struct {
	req     Request
	verdict Verdict
	done    chan struct{}
}

// Gate keeps the pending-decision table. Thread-safe: independent workflows
// register and resolve concurrently.
type Gate struct {
	mu        sync.Mutex
	entries   map[string]*entry
	notifiers []Notifier
	auto      *AutoApprover
	wait      time.Duration
	retention time.Duration
	metrics   *GateMetrics
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier adds a confirmation channel.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifiers = append(g.notifiers, n) }
}

// WithAutoApprover lets a policy decide before any channel is notified.
func WithAutoApprover(a *AutoApprover) Option {
	return func(g *Gate) { g.auto = a }
}

// WithMetrics records gate activity.
func WithMetrics(m *GateMetrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate with the default wait applied when a request
// does not carry its own.
func NewGate(wait time.Duration, logger *slog.Logger, opts ...Option) *Gate {
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		entries:   make(map[string]*entry),
		wait:      wait,
		retention: time.Hour,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNotifier registers a confirmation channel after construction. Channels
// that also resolve (websocket, NATS) need the gate before they exist.
func (g *Gate) AddNotifier(n Notifier) {
	g.mu.Lock()
	g.notifiers = append(g.notifiers, n)
	g.mu.Unlock()
}

// Request registers a pending decision for req.InvocationID, notifies every
// channel and blocks until the decision, the wait, or ctx ends. wait <= 0 uses
// the gate default. Denial returns ErrConfirmationDenied and expiry returns
// ErrConfirmationTimeout; both carry the verdict.
func (g *Gate) Request(ctx context.Context, req Request, wait time.Duration) (Verdict, error) {
	if wait <= 0 {
		wait = g.wait
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(wait)

	if g.auto != nil {
		if approve, reason := g.auto.Decide(req); reason != "" {
			v := Verdict{Status: StatusDenied, By: "policy", Reason: reason, ResolvedAt: now}
			if approve {
				v.Status = StatusApproved
			}
			g.logger.InfoContext(ctx, "confirmation decided by policy",
				slog.String("invocation_id", req.InvocationID),
				slog.String("tool", req.ToolName),
				slog.String("status", v.Status.String()),
				slog.String("reason", reason),
			)
			g.metrics.observe(v.Status, 0)
			return v, verdictErr(v)
		}
	}

	e := &entry{req: req, verdict: Verdict{Status: StatusPending}, done: make(chan struct{})}
	g.mu.Lock()
	if _, exists := g.entries[req.InvocationID]; exists {
		g.mu.Unlock()
		return Verdict{}, fmt.Errorf("%w: %s", ErrAlreadyPending, req.InvocationID)
	}
	g.entries[req.InvocationID] = e
	notifiers := append([]Notifier(nil), g.notifiers...)
	g.mu.Unlock()
	g.metrics.pending(1)

	g.logger.InfoContext(ctx, "confirmation requested",
		slog.String("invocation_id", req.InvocationID),
		slog.String("workflow_id", req.WorkflowID),
		slog.String("tool", req.ToolName),
		slog.Float64("risk_score", req.Risk.Score),
		slog.Duration("wait", wait),
	)

	delivered := 0
	for _, n := range notifiers {
		if err := n.Notify(ctx, req); err != nil {
			g.logger.WarnContext(ctx, "confirmation channel failed",
				slog.String("invocation_id", req.InvocationID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		g.logger.WarnContext(ctx, "no confirmation channel accepted the request; it will time out unless resolved",
			slog.String("invocation_id", req.InvocationID),
		)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		g.finish(e, Verdict{Status: StatusTimedOut, Reason: fmt.Sprintf("no decision within %s", wait)})
	case <-ctx.Done():
		g.finish(e, Verdict{Status: StatusDenied, Reason: "request abandoned: " + ctx.Err().Error()})
	}

	g.mu.Lock()
	v := e.verdict
	g.mu.Unlock()

	g.metrics.observe(v.Status, v.ResolvedAt.Sub(req.CreatedAt))
	if v.Status == StatusApproved && g.auto != nil {
		g.auto.RecordManualApproval(req.CallerIdentity, req.ToolName, req.Parameters)
	}
	return v, verdictErr(v)
}

// Resolve answers a pending request exactly once.
func (g *Gate) Resolve(invocationID string, d Decision) error {
	g.mu.Lock()
	e, ok := g.entries[invocationID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}

	v := Verdict{Status: StatusDenied, By: d.By, Reason: d.Reason}
	if d.Approve {
		v.Status = StatusApproved
	}
	if !g.finish(e, v) {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, invocationID)
	}

	g.logger.Info("confirmation resolved",
		slog.String("invocation_id", invocationID),
		slog.String("resolver", d.By),
		slog.String("status", v.Status.String()),
		slog.String("tool", e.req.ToolName),
	)
	return nil
}

// finish records the verdict if the entry is still pending.
func (g *Gate) finish(e *entry, v Verdict) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.verdict.Status != StatusPending {
		return false
	}
	v.ResolvedAt = time.Now().UTC()
	e.verdict = v
	close(e.done)
	g.metrics.pending(-1)
	return true
}

// Get returns the request and its current verdict.
func (g *Gate) Get(invocationID string) (Request, Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[invocationID]
	if !ok {
		return Request{}, Verdict{}, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	return e.req, e.verdict, nil
}

// Pending returns the unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.entries))
	for _, e := range g.entries {
		if e.verdict.Status == StatusPending {
			out = append(out, e.req)
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InvocationID < out[j].InvocationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cleanup removes resolved entries older than the retention window. Until
// then, a second Resolve reports ErrAlreadyResolved rather than ErrNotFound.
func (g *Gate) Cleanup(_ context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().UTC().Add(-g.retention)
	for id, e := range g.entries {
		if e.verdict.Status != StatusPending && e.verdict.ResolvedAt.Before(cutoff) {
			delete(g.entries, id)
		}
	}
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (g *Gate) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func verdictErr(v Verdict) error {
	switch v.Status {
	case StatusApproved:
		return nil
	case StatusTimedOut:
		return fmt.Errorf("%w: %s", ErrConfirmationTimeout, v.Reason)
	default:
		if v.Reason != "" {
			return fmt.Errorf("%w: %s", ErrConfirmationDenied, v.Reason)
		}
		return ErrConfirmationDenied
	}
}

var _ Resolver = (*Gate)(nil)
