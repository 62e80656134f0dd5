package approval

import (
	"context"
	"log/slog"
	"strings"
)

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, req Request) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// LogNotifier writes confirmation requests to the process log so an operator
// tailing it can resolve them through the HTTP API.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the request at warn level.
func (n *LogNotifier) Notify(ctx context.Context, req Request) error {
	n.logger.WarnContext(ctx, "confirmation required",
		slog.String("invocation_id", req.InvocationID),
		slog.String("workflow_id", req.WorkflowID),
		slog.Int("step", req.StepIndex),
		slog.String("tool", req.ToolName),
		slog.Float64("risk_score", req.Risk.Score),
		slog.String("reasons", strings.Join(req.Risk.Reasons, ",")),
		slog.Time("expires_at", req.ExpiresAt),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
