package approval

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
)

// AutoApprover decides confirmation requests without a human when policy
// allows it. Critical tools are never auto-approved.
//
// Two approval rules apply to tools on the allow list: a score at or below
// MaxScore, or the same caller+tool+params combination having been manually
// approved RequiredApprovals times within the lookback window.
type AutoApprover struct {
	mu       sync.RWMutex
	history  map[string][]time.Time // key → timestamps of manual approvals
	counters map[string]int         // caller → auto-approval count this hour
	hourSlot int64                  // current hour slot for counter reset
	config   AutoApprovalConfig
	logger   *slog.Logger
}

// AutoApprovalConfig controls auto-approval behavior.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`           // Tools eligible for auto-approval.
	DeniedTools       []string `json:"denied_tools" yaml:"denied_tools"`             // Tools always auto-denied.
	MaxScore          float64  `json:"max_score" yaml:"max_score"`                   // Approve at or below this score. 0 disables.
	MaxAutoApprovals  int      `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per caller per hour. Default: 10.
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals needed before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window in hours. Default: 24.
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.MaxAutoApprovals <= 0 {
		cfg.MaxAutoApprovals = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		config:   cfg,
		logger:   logger,
	}
}

// Decide returns a decision and its reason. An empty reason means the policy
// has no opinion and the request goes to the confirmation channels.
func (a *AutoApprover) Decide(req Request) (approve bool, reason string) {
	if !a.config.Enabled {
		return false, ""
	}
	if slices.Contains(a.config.DeniedTools, req.ToolName) {
		return false, fmt.Sprintf("tool %q is on the auto-deny list", req.ToolName)
	}
	if req.Risk.Level == security.RiskCritical || !slices.Contains(a.config.AllowedTools, req.ToolName) {
		return false, ""
	}

	a.mu.Lock()
	currentHour := time.Now().Unix() / 3600
	if currentHour != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = currentHour
	}
	capped := a.counters[req.CallerIdentity] >= a.config.MaxAutoApprovals
	a.mu.Unlock()
	if capped {
		return false, ""
	}

	if a.config.MaxScore > 0 && req.Risk.Score <= a.config.MaxScore {
		reason = fmt.Sprintf("risk score %.2f within auto-approval ceiling %.2f", req.Risk.Score, a.config.MaxScore)
	} else if recent := a.recentApprovals(req); recent >= a.config.RequiredApprovals {
		reason = fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
	} else {
		return false, ""
	}

	a.mu.Lock()
	a.counters[req.CallerIdentity]++
	a.mu.Unlock()

	a.logger.Info("auto-approving tool invocation",
		slog.String("caller", req.CallerIdentity),
		slog.String("tool", req.ToolName),
		slog.String("reason", reason),
	)
	return true, reason
}

func (a *AutoApprover) recentApprovals(req Request) int {
	key := approvalKey(req.CallerIdentity, req.ToolName, req.Parameters)
	cutoff := time.Now().Add(-time.Duration(a.config.WindowHours) * time.Hour)

	a.mu.RLock()
	defer a.mu.RUnlock()
	recent := 0
	for _, ts := range a.history[key] {
		if ts.After(cutoff) {
			recent++
		}
	}
	return recent
}

// RecordManualApproval records that a caller's operation was approved by a person.
func (a *AutoApprover) RecordManualApproval(caller, toolName string, params map[string]any) {
	key := approvalKey(caller, toolName, params)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[key] = append(a.history[key], time.Now())

	// Prune old entries beyond the window.
	cutoff := time.Now().Add(-time.Duration(a.config.WindowHours) * time.Hour)
	entries := a.history[key]
	pruned := make([]time.Time, 0, len(entries))
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

// approvalKey hashes params through encoding/json, which sorts map keys.
func approvalKey(caller, toolName string, params map[string]any) string {
	data, _ := json.Marshal(params)
	h := sha256.Sum256(append([]byte(caller+"|"+toolName+"|"), data...))
	return fmt.Sprintf("%x", h[:16])
}
