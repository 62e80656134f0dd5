package postgres

import (
	"encoding/json"

	"github.com/jkaninda/stepguard/internal/security"
)

// --- Audit ---

func toAuditModel(rec security.AuditRecord) AuditRecordModel {
	reasons, _ := json.Marshal(nonNil(rec.Reasons))
	return AuditRecordModel{
		Seq:            rec.Seq,
		Timestamp:      rec.Timestamp,
		InvocationID:   rec.InvocationID,
		WorkflowID:     rec.WorkflowID,
		StepIndex:      rec.StepIndex,
		ToolName:       rec.ToolName,
		CallerIdentity: rec.CallerIdentity,
		Attempt:        rec.Attempt,
		RiskScore:      rec.RiskScore,
		Reasons:        JSONB(reasons),
		Confirmation:   string(rec.Confirmation),
		Outcome:        string(rec.Outcome),
		Compensation:   rec.Compensation,
		DurationMS:     rec.DurationMS,
		Error:          rec.Error,
	}
}

func toAuditDomain(m *AuditRecordModel) security.AuditRecord {
	var reasons []string
	if len(m.Reasons) > 0 {
		_ = json.Unmarshal(m.Reasons, &reasons)
	}
	if len(reasons) == 0 {
		reasons = nil
	}
	return security.AuditRecord{
		Seq:            m.Seq,
		Timestamp:      m.Timestamp.UTC(),
		InvocationID:   m.InvocationID,
		WorkflowID:     m.WorkflowID,
		StepIndex:      m.StepIndex,
		ToolName:       m.ToolName,
		CallerIdentity: m.CallerIdentity,
		Attempt:        m.Attempt,
		RiskScore:      m.RiskScore,
		Reasons:        reasons,
		Confirmation:   security.Confirmation(m.Confirmation),
		Outcome:        security.Outcome(m.Outcome),
		Compensation:   m.Compensation,
		DurationMS:     m.DurationMS,
		Error:          m.Error,
	}
}
