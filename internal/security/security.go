// Package security scores proposed tool invocations and keeps the
// append-only audit trail of everything the engine assessed, gated and ran.
package security

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for the audit trail and policy checks.
var (
	ErrPolicyDenied  = errors.New("denied by policy")
	ErrAuditRejected = errors.New("audit record rejected")
)

// RiskLevel classifies the danger of a tool.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // System changes.
	RiskCritical                  // Destructive operations, always confirmed.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BaseScore is the starting risk score for the level before heuristics.
func (r RiskLevel) BaseScore() float64 {
	switch r {
	case RiskLow:
		return 0.1
	case RiskMedium:
		return 0.4
	case RiskHigh:
		return 0.7
	default:
		return 0.95
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

// Confirmation is the outcome of the confirmation gate for one invocation.
type Confirmation string

const (
	ConfirmationNone     Confirmation = "none"
	ConfirmationApproved Confirmation = "approved"
	ConfirmationDenied   Confirmation = "denied"
	ConfirmationTimeout  Confirmation = "timeout"
)

// Outcome is the execution outcome recorded for a single attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeTransientFailure  Outcome = "transient_failure"
	OutcomePermanentFailure  Outcome = "permanent_failure"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeInvalidParameters Outcome = "invalid_parameters"
	OutcomeUnknownTool       Outcome = "unknown_tool"
	OutcomeDenied            Outcome = "denied"
	OutcomeCancelled         Outcome = "cancelled"
)

// AuditRecord is a single entry in the append-only audit log.
// Seq is assigned by the AuditLog on append.
type AuditRecord struct {
	Seq            uint64       `json:"seq"`
	Timestamp      time.Time    `json:"timestamp"`
	InvocationID   string       `json:"invocation_id"`
	WorkflowID     string       `json:"workflow_id,omitempty"`
	StepIndex      int          `json:"step_index"`
	ToolName       string       `json:"tool_name"`
	CallerIdentity string       `json:"caller_identity,omitempty"`
	Attempt        int          `json:"attempt"`
	RiskScore      float64      `json:"risk_score"`
	Reasons        []string     `json:"reasons,omitempty"`
	Confirmation   Confirmation `json:"confirmation"`
	Outcome        Outcome      `json:"outcome"`
	Compensation   bool         `json:"compensation,omitempty"`
	DurationMS     int64        `json:"duration_ms,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// AuditFilter selects audit records. Zero fields match everything.
type AuditFilter struct {
	WorkflowID     string
	InvocationID   string
	ToolName       string
	CallerIdentity string
	Outcome        Outcome
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Match reports whether the record satisfies the filter.
func (f AuditFilter) Match(r AuditRecord) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.InvocationID != "" && r.InvocationID != f.InvocationID {
		return false
	}
	if f.ToolName != "" && r.ToolName != f.ToolName {
		return false
	}
	if f.CallerIdentity != "" && r.CallerIdentity != f.CallerIdentity {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}
