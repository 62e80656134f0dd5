package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/stepguard/internal/orchestrator"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	workflows *WorkflowRepository
	audit     *AuditRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the wrapped connection.
func (s *Store) DB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Workflows() orchestrator.WorkflowStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflows == nil {
		s.workflows = NewWorkflowRepository(s.pgDB.GormDB())
	}
	return s.workflows
}

func (s *Store) Audit() security.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
