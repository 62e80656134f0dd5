// Package storage defines the Store interface that abstracts persistence for
// workflows and the audit log. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (shared, multi-instance).
package storage

import (
	"context"

	"github.com/jkaninda/stepguard/internal/orchestrator"
	"github.com/jkaninda/stepguard/internal/security"
)

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection pool.
	Workflows() orchestrator.WorkflowStore
	Audit() security.AuditStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Supported drivers. Workflows without a configured store stay in memory.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
