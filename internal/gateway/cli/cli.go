// Package cli implements the terminal confirmation channel used by
// `stepguard run`: gated steps are printed and answered on stdin.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/stepguard/internal/approval"
)

// Prompter asks the terminal user to approve gated steps. Prompts are
// serialized; requests that arrive while one is open wait their turn.
type Prompter struct {
	resolver approval.Resolver
	operator string
	logger   *slog.Logger

	mu      sync.Mutex // guards scanner and out for one prompt at a time
	scanner *bufio.Scanner
	out     io.Writer
}

// NewPrompter creates a Prompter reading answers from in and writing prompts
// to out. Decisions are recorded as made by operator.
func NewPrompter(resolver approval.Resolver, in io.Reader, out io.Writer, operator string, logger *slog.Logger) *Prompter {
	if operator == "" {
		operator = "cli-user"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prompter{
		resolver: resolver,
		operator: operator,
		logger:   logger,
		scanner:  bufio.NewScanner(in),
		out:      out,
	}
}

// Notify queues a prompt for req and returns immediately.
func (p *Prompter) Notify(ctx context.Context, req approval.Request) error {
	go p.prompt(ctx, req)
	return nil
}

func (p *Prompter) prompt(ctx context.Context, req approval.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The request may have been decided or abandoned while queued.
	if ctx.Err() != nil {
		return
	}

	kind := "Confirmation"
	if req.Compensation {
		kind = "Compensation confirmation"
	}
	fmt.Fprintf(p.out, "\n%s required for %s (risk: %s, score %.2f)\n",
		kind, req.ToolName, req.Risk.Level, req.Risk.Score)
	fmt.Fprintf(p.out, "  Workflow: %s  step %d\n", req.WorkflowID, req.StepIndex)
	for _, k := range sortedKeys(req.Parameters) {
		fmt.Fprintf(p.out, "  %s = %v\n", k, req.Parameters[k])
	}
	for _, r := range req.Risk.Reasons {
		fmt.Fprintf(p.out, "  - %s\n", r)
	}
	fmt.Fprintf(p.out, "  Expires: %s\n", req.ExpiresAt.Format("15:04:05"))
	fmt.Fprint(p.out, "Approve? [y/N]: ")

	d := approval.Decision{By: p.operator}
	if p.scanner.Scan() {
		answer := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
		d.Approve = answer == "y" || answer == "yes"
		if !d.Approve {
			d.Reason = "declined at terminal"
		}
	} else {
		d.Reason = "no input"
		fmt.Fprintln(p.out)
	}

	if err := p.resolver.Resolve(req.InvocationID, d); err != nil {
		fmt.Fprintf(p.out, "Decision not applied: %v\n", err)
		p.logger.Warn("terminal decision rejected",
			slog.String("invocation_id", req.InvocationID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.Debug("terminal decision",
		slog.String("invocation_id", req.InvocationID),
		slog.Bool("approve", d.Approve),
	)
}

// Answer returns a Notifier that resolves every request the same way
// without prompting. Used for non-interactive runs.
func Answer(resolver approval.Resolver, approve bool, operator string) approval.Notifier {
	return approval.NotifierFunc(func(_ context.Context, req approval.Request) error {
		d := approval.Decision{Approve: approve, By: operator, Reason: "answered by flag"}
		go func() { _ = resolver.Resolve(req.InvocationID, d) }()
		return nil
	})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ approval.Notifier = (*Prompter)(nil)
