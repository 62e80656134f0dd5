package security

import "context"

// AuditStore is an append-only store for audit records.
// No update or delete methods: immutability is enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit record. Never updates or deletes.
	Append(ctx context.Context, record AuditRecord) error
	// Query returns matching records ordered by sequence number.
	Query(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	// LastSeq returns the highest stored sequence number, 0 when empty.
	LastSeq(ctx context.Context) (uint64, error)
}
