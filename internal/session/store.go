package session

import (
	"context"
	"time"
)

// Store is the durable record of sessions; the state machine's
// persisted state and the single source of truth for whether a session
// still accepts writes.
type Store interface {
	Insert(ctx context.Context, s Session) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Session, error)
	ActiveByCourse(ctx context.Context, courseID string) (Session, bool, error)
	// ListExpired returns Active sessions whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)
	// Finish compare-and-sets an Active session into a terminal status,
	// stamping the deadline epilogue. It reports false when the session
	// was no longer Active, which is how racing closers lose politely.
	Finish(ctx context.Context, id string, status Status, deadline time.Time, reason *string) (bool, error)
}

// Ledger is the append/upsert store of attendance outcomes, keyed by
// (session, student). Uniqueness is enforced by upsert semantics, never
// insert-then-fail.
type Ledger interface {
	// MarkPresent inserts a Present record if the student has none yet.
	// It reports true when a record already existed (a distinguished
	// success, not an error).
	MarkPresent(ctx context.Context, rec Record) (alreadyMarked bool, err error)
	// MarkManual upserts a staff-entered outcome; a correction wins over
	// any existing record.
	MarkManual(ctx context.Context, rec Record) error
	// FillAbsent back-fills Absent for the given students, skipping any
	// that gained a record in the meantime.
	FillAbsent(ctx context.Context, s Session, studentIDs []string, recordedAt time.Time) error
	// RecordedStudents returns the set of student ids with a record.
	RecordedStudents(ctx context.Context, sessionID string) (map[string]bool, error)
	// DeleteBySession purges all records; used only by cancellation.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
}
