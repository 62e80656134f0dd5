package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT-compatible on SQLite).
type JSONB json.RawMessage

// WorkflowModel maps to the "workflows" table. Steps and history are kept
// as JSON documents: they are always read and written with their workflow.
type WorkflowModel struct {
	ID            string     `gorm:"primaryKey"`
	Name          string     `gorm:"not null"`
	Description   string     `gorm:"type:text"`
	Status        string     `gorm:"not null;default:'pending';index"`
	FailurePolicy string     `gorm:"not null;default:'abort'"`
	TimeoutMS     int64      `gorm:"not null;default:0"`
	SubmittedBy   string     `gorm:"index"`
	Error         string     `gorm:"type:text"`
	ErrorKind     string
	Steps         JSONB      `gorm:"type:jsonb;not null;default:'[]'"`
	History       JSONB      `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt     time.Time  `gorm:"index;autoCreateTime:false"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime:false"`
	CompletedAt   *time.Time
}

func (WorkflowModel) TableName() string { return "workflows" }

// AuditRecordModel maps to the "audit_records" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditRecordModel struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement:false"`
	Timestamp      time.Time `gorm:"column:recorded_at;not null;index"`
	InvocationID   string    `gorm:"not null;index"`
	WorkflowID     string    `gorm:"index"`
	StepIndex      int       `gorm:"not null;default:0"`
	ToolName       string    `gorm:"not null;index"`
	CallerIdentity string    `gorm:"index"`
	Attempt        int       `gorm:"not null;default:0"`
	RiskScore      float64   `gorm:"not null;default:0"`
	Reasons        JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	Confirmation   string    `gorm:"not null"`
	Outcome        string    `gorm:"not null;index"`
	Compensation   bool      `gorm:"not null;default:false"`
	DurationMS     int64
	Error          string    `gorm:"type:text"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }
