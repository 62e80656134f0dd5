package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/stepguard/internal/security"
)

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit record. This is the only write method;
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, rec security.AuditRecord) error {
	model := toAuditModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Query returns matching records in sequence order.
func (r *AuditRepository) Query(ctx context.Context, f security.AuditFilter) ([]security.AuditRecord, error) {
	var models []AuditRecordModel
	if err := r.db.WithContext(ctx).Scopes(AuditScope(f)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	out := make([]security.AuditRecord, len(models))
	for i := range models {
		out[i] = toAuditDomain(&models[i])
	}
	return out, nil
}

// LastSeq returns the highest stored sequence number.
func (r *AuditRepository) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	if err := r.db.WithContext(ctx).
		Model(&AuditRecordModel{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("reading last audit sequence: %w", err)
	}
	return last, nil
}

// Compile-time check.
var _ security.AuditStore = (*AuditRepository)(nil)
