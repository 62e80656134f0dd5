package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/stepguard/internal/orchestrator"
	"github.com/jkaninda/stepguard/internal/security"
)

// WorkflowScope applies a list filter: status, submitter, newest first, limit.
func WorkflowScope(f orchestrator.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if f.SubmittedBy != "" {
			db = db.Where("submitted_by = ?", f.SubmittedBy)
		}
		db = db.Order("created_at DESC").Order("id ASC")
		if f.Limit > 0 {
			db = db.Limit(f.Limit)
		}
		return db
	}
}

// AuditScope applies an audit filter in sequence order.
func AuditScope(f security.AuditFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.WorkflowID != "" {
			db = db.Where("workflow_id = ?", f.WorkflowID)
		}
		if f.InvocationID != "" {
			db = db.Where("invocation_id = ?", f.InvocationID)
		}
		if f.ToolName != "" {
			db = db.Where("tool_name = ?", f.ToolName)
		}
		if f.CallerIdentity != "" {
			db = db.Where("caller_identity = ?", f.CallerIdentity)
		}
		if f.Outcome != "" {
			db = db.Where("outcome = ?", string(f.Outcome))
		}
		if !f.Since.IsZero() {
			db = db.Where("recorded_at >= ?", f.Since.UTC())
		}
		if !f.Until.IsZero() {
			db = db.Where("recorded_at <= ?", f.Until.UTC())
		}
		db = db.Order("seq ASC")
		if f.Limit > 0 {
			db = db.Limit(f.Limit)
		}
		return db
	}
}
