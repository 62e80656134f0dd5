package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditSink receives every record after the log assigns its sequence number.
// Write is called with the log's lock held, so sinks observe records in order.
type AuditSink interface {
	Write(ctx context.Context, record AuditRecord) error
	Close() error
}

// AuditLog is the ordered, append-only record of every assessed, gated and
// executed invocation. Thread-safe: many workflows append concurrently.
type AuditLog struct {
	mu      sync.Mutex
	seq     uint64
	records []AuditRecord
	sinks   []AuditSink
	store   AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

// AuditOption configures an AuditLog.
type AuditOption func(*AuditLog)

// WithSink adds a sink that receives every appended record.
func WithSink(s AuditSink) AuditOption {
	return func(a *AuditLog) { a.sinks = append(a.sinks, s) }
}

// WithStore persists records to the store and serves queries from it.
func WithStore(s AuditStore) AuditOption {
	return func(a *AuditLog) { a.store = s }
}

// NewAuditLog creates an audit log. Without a store, records are kept in memory
// for the lifetime of the process.
func NewAuditLog(logger *slog.Logger, opts ...AuditOption) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditLog{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resume continues numbering after the last record in the store, so a restarted
// process never reuses a sequence number. It is a no-op without a store.
func (a *AuditLog) Resume(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	last, err := a.store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading last audit sequence: %w", err)
	}
	a.mu.Lock()
	if last > a.seq {
		a.seq = last
	}
	a.mu.Unlock()
	return nil
}

// Append assigns the next sequence number and timestamp, then writes the record
// to memory, the store and every sink. The returned record carries the
// assigned fields. A sink failure is reported but the record stays in the log.
func (a *AuditLog) Append(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if rec.InvocationID == "" || rec.ToolName == "" {
		return rec, fmt.Errorf("%w: invocation id and tool name are required", ErrAuditRejected)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	rec.Seq = a.seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now().UTC()
	}
	if rec.Confirmation == "" {
		rec.Confirmation = ConfirmationNone
	}
	rec.Reasons = append([]string(nil), rec.Reasons...)
	if a.store == nil {
		a.records = append(a.records, rec)
	}

	var firstErr error
	if a.store != nil {
		if err := a.store.Append(ctx, rec); err != nil {
			firstErr = fmt.Errorf("persisting audit record %d: %w", rec.Seq, err)
		}
	}
	for _, s := range a.sinks {
		if err := s.Write(ctx, rec); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("writing audit record %d: %w", rec.Seq, err)
		}
	}
	if firstErr != nil {
		a.logger.ErrorContext(ctx, "audit sink failed",
			slog.String("invocation_id", rec.InvocationID),
			slog.String("error", firstErr.Error()),
		)
	}

	a.logger.DebugContext(ctx, "audit record appended",
		slog.Uint64("seq", rec.Seq),
		slog.String("invocation_id", rec.InvocationID),
		slog.String("tool", rec.ToolName),
		slog.Int("attempt", rec.Attempt),
		slog.String("outcome", string(rec.Outcome)),
	)
	return rec, firstErr
}

// Query returns records matching the filter in append order. When a store is
// configured the store is authoritative.
func (a *AuditLog) Query(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	if a.store != nil {
		return a.store.Query(ctx, f)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditRecord
	for _, r := range a.records {
		if !f.Match(r) {
			continue
		}
		r.Reasons = append([]string(nil), r.Reasons...)
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of records appended since the log was created.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.seq)
}

// Close closes every sink.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, s := range a.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileSink writes audit records as append-only JSONL.
// File permissions are 0600 (owner read/write only).
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit file in append-only mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Write serializes the record as one JSON line.
func (s *FileSink) Write(_ context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.file.Write(data)
	s.mu.Unlock()
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var _ AuditSink = (*FileSink)(nil)
